// Package channels translates the message layer's abstract channel lists
// into transport channel configurations.
//
// Channel identity is positional: the n-th declared kind becomes transport
// channel n. Server and client lists are independent and may differ.
package channels

import (
	"errors"
	"fmt"
	"strings"

	"replibridge/pkg/transport"
)

// DefaultMaxReliableFrameLen bounds one reliable payload unless a role
// overrides it.
const DefaultMaxReliableFrameLen = 8 * 1024 * 1024

// ErrTooManyChannels is a configuration error: positional ids must fit a u8.
var ErrTooManyChannels = errors.New("channels: too many channels")

// ErrUnknownKind is returned by ParseKind.
var ErrUnknownKind = errors.New("channels: unknown channel kind")

// Kind is the delivery guarantee the message layer asks for.
type Kind int

const (
	Unreliable Kind = iota
	Unordered
	Ordered
)

func (k Kind) String() string {
	switch k {
	case Unreliable:
		return "unreliable"
	case Unordered:
		return "unordered"
	case Ordered:
		return "ordered"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind accepts the names produced by String, case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unreliable":
		return Unreliable, nil
	case "unordered", "unordered_reliable", "unordered-reliable":
		return Unordered, nil
	case "ordered", "ordered_reliable", "ordered-reliable":
		return Ordered, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// ParseKinds parses a whole list, failing on the first bad entry.
func ParseKinds(names []string) ([]Kind, error) {
	out := make([]Kind, 0, len(names))
	for i, n := range names {
		k, err := ParseKind(n)
		if err != nil {
			return nil, fmt.Errorf("channel %d: %w", i, err)
		}
		out = append(out, k)
	}
	return out, nil
}

// Set holds the channels each role sends on.
type Set struct {
	Server []Kind
	Client []Kind
}

// Translate maps kinds one-to-one and in order onto transport configs.
// Reliable channels get maxFrame as their frame bound.
func Translate(kinds []Kind, maxFrame int) ([]transport.ChannelConfig, error) {
	if len(kinds) > transport.MaxChannels {
		return nil, fmt.Errorf("%w: %d declared, at most %d", ErrTooManyChannels, len(kinds), transport.MaxChannels)
	}
	out := make([]transport.ChannelConfig, len(kinds))
	for i, k := range kinds {
		switch k {
		case Unreliable:
			out[i] = transport.ChannelConfig{Kind: transport.Unreliable}
		case Unordered:
			out[i] = transport.ChannelConfig{Kind: transport.UnorderedReliable, MaxFrameSize: maxFrame}
		case Ordered:
			out[i] = transport.ChannelConfig{Kind: transport.OrderedReliable, MaxFrameSize: maxFrame}
		default:
			return nil, fmt.Errorf("%w: channel %d is %v", ErrUnknownKind, i, k)
		}
	}
	return out, nil
}

func (s Set) ServerConfigs() ([]transport.ChannelConfig, error) {
	return Translate(s.Server, DefaultMaxReliableFrameLen)
}

func (s Set) ServerConfigsCustom(maxFrame int) ([]transport.ChannelConfig, error) {
	return Translate(s.Server, maxFrame)
}

func (s Set) ClientConfigs() ([]transport.ChannelConfig, error) {
	return Translate(s.Client, DefaultMaxReliableFrameLen)
}

func (s Set) ClientConfigsCustom(maxFrame int) ([]transport.ChannelConfig, error) {
	return Translate(s.Client, maxFrame)
}

// MustServerConfigs panics on a configuration error. For startup code.
func (s Set) MustServerConfigs() []transport.ChannelConfig {
	return must(s.ServerConfigs())
}

// MustClientConfigs panics on a configuration error. For startup code.
func (s Set) MustClientConfigs() []transport.ChannelConfig {
	return must(s.ClientConfigs())
}

func must(c []transport.ChannelConfig, err error) []transport.ChannelConfig {
	if err != nil {
		panic(err)
	}
	return c
}
