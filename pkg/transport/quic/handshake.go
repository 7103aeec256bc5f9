package quic

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"replibridge/pkg/codec"
	"replibridge/pkg/transport"
)

const (
	protocolVersion = 1
	// maxControlFrame bounds hello/welcome frames.
	maxControlFrame = 64 * 1024
)

var (
	errBadVersion = errors.New("quic: protocol version mismatch")
	errFrameSize  = errors.New("quic: invalid frame size")
)

var controlCodec = codec.MustCBOR()

type wireChannel struct {
	Kind         uint8  `cbor:"1,keyasint"`
	MaxFrameSize uint32 `cbor:"2,keyasint,omitempty"`
}

// hello is the first frame the client writes on the control stream.
type hello struct {
	Version  uint32        `cbor:"1,keyasint"`
	Channels []wireChannel `cbor:"2,keyasint"`
}

// welcome is the server's answer, carrying the id it assigned.
type welcome struct {
	Version      uint32        `cbor:"1,keyasint"`
	ConnectionID uint64        `cbor:"2,keyasint"`
	Channels     []wireChannel `cbor:"3,keyasint"`
}

func toWire(chs []transport.ChannelConfig) []wireChannel {
	out := make([]wireChannel, len(chs))
	for i, c := range chs {
		out[i] = wireChannel{Kind: uint8(c.Kind), MaxFrameSize: uint32(c.MaxFrameSize)}
	}
	return out
}

func fromWire(chs []wireChannel) ([]transport.ChannelConfig, error) {
	if len(chs) > transport.MaxChannels {
		return nil, fmt.Errorf("%w: peer declared %d channels", errTooManyChannels, len(chs))
	}
	out := make([]transport.ChannelConfig, len(chs))
	for i, c := range chs {
		k := transport.ChannelKind(c.Kind)
		if k != transport.Unreliable && k != transport.UnorderedReliable && k != transport.OrderedReliable {
			return nil, fmt.Errorf("quic: peer channel %d has unknown kind %d", i, c.Kind)
		}
		out[i] = transport.ChannelConfig{Kind: k, MaxFrameSize: int(c.MaxFrameSize)}
	}
	return out, nil
}

func writeControl(w io.Writer, v any) error {
	b, err := controlCodec.Marshal(v)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if err := writeFrame(bw, b); err != nil {
		return err
	}
	return bw.Flush()
}

func readControl(r io.Reader, v any) error {
	b, err := readFrame(r, maxControlFrame)
	if err != nil {
		return err
	}
	return controlCodec.Unmarshal(b, v)
}

// writeFrame writes one length-prefixed frame (u32 LE).
func writeFrame(w io.Writer, b []byte) error {
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := w.Write(lenbuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// readFrame reads one length-prefixed frame no larger than max.
func readFrame(r io.Reader, max int) ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(r, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n < 0 || (max > 0 && n > max) {
		return nil, fmt.Errorf("%w: %d", errFrameSize, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
