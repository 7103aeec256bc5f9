// Package transport defines the capability interfaces the bridge consumes
// from a connection-oriented transport with typed channels, plus two
// implementations (quic, mem).
//
// Key concepts:
// - ChannelConfig: one send channel, identified by its position (u8)
// - Connection: non-blocking receive/send, byte counters, path statistics
// - Server: a listening endpoint that reports connects and losses as events
// - Client: a single outbound connection with a level status
package transport
