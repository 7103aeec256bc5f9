// replibridge-node runs one side of a replicated session over QUIC: it opens
// a server endpoint or a client connection from config and drives the bridge
// at a fixed tick rate until interrupted.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

func main() {
	opts, err := ParseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	os.Exit(run(opts))
}
