package quic

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"replibridge/pkg/transport"
)

// defaultMaxDatagram is the QUIC initial datagram payload budget, used until
// the connection reports a different limit.
const defaultMaxDatagram = 1200

const (
	codeClosed       quicgo.ApplicationErrorCode = 0
	codeDisconnected quicgo.ApplicationErrorCode = 1
	codeProtocol     quicgo.ApplicationErrorCode = 2

	codeUnknownChannel quicgo.StreamErrorCode = 1
)

type frame struct {
	channel uint8
	payload []byte
}

// conn adapts one established QUIC connection to transport.Connection.
//
// Wire mapping per send channel:
//   - Unreliable: one datagram, [channel][payload]
//   - UnorderedReliable: one uni stream per payload, [channel][payload] + FIN
//   - OrderedReliable: one long-lived uni stream, [channel] then u32 LE frames
type conn struct {
	id      transport.ConnectionID
	qc      *quicgo.Conn
	send    []transport.ChannelConfig
	recv    []transport.ChannelConfig // the peer's send channels
	log     *zap.Logger
	ctx     context.Context
	writers []*channelWriter

	mu      sync.Mutex
	inbound []frame

	sentBytes     atomic.Uint64
	receivedBytes atomic.Uint64
	maxDatagram   atomic.Int64
}

var _ transport.Connection = (*conn)(nil)

func newConn(id transport.ConnectionID, qc *quicgo.Conn, send, recv []transport.ChannelConfig, log *zap.Logger) *conn {
	c := &conn{
		id:   id,
		qc:   qc,
		send: send,
		recv: recv,
		log:  log.With(zap.Uint64("conn", uint64(id))),
		ctx:  qc.Context(),
	}
	c.maxDatagram.Store(defaultMaxDatagram)
	c.writers = make([]*channelWriter, len(send))
	for i, cfg := range send {
		c.writers[i] = &channelWriter{c: c, channel: uint8(i), kind: cfg.Kind, notify: make(chan struct{}, 1)}
	}
	return c
}

// start launches the background readers and writers. They all stop when the
// QUIC connection's context is done.
func (c *conn) start() {
	for _, w := range c.writers {
		go w.loop()
	}
	go c.datagramLoop()
	go c.uniStreamLoop()
}

func (c *conn) ID() transport.ConnectionID { return c.id }

func (c *conn) Receive() (uint8, []byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbound) == 0 {
		return 0, nil, false
	}
	f := c.inbound[0]
	c.inbound[0] = frame{}
	c.inbound = c.inbound[1:]
	return f.channel, f.payload, true
}

func (c *conn) Send(channel uint8, payload []byte) error {
	if c.ctx.Err() != nil {
		return transport.ErrClosed
	}
	if err := transport.CheckSend(c.send, channel, payload, int(c.maxDatagram.Load())); err != nil {
		return err
	}
	c.writers[channel].enqueue(payload)
	return nil
}

func (c *conn) ClearSentBytes() uint64     { return c.sentBytes.Swap(0) }
func (c *conn) ClearReceivedBytes() uint64 { return c.receivedBytes.Swap(0) }

func (c *conn) PathStats() (transport.PathStats, bool) { return connectionStats(c.qc) }

func (c *conn) MaxDatagramSize() (int, bool) {
	if !c.qc.ConnectionState().SupportsDatagrams {
		return 0, false
	}
	return int(c.maxDatagram.Load()), true
}

func (c *conn) push(channel uint8, payload []byte) {
	c.receivedBytes.Add(uint64(len(payload)))
	c.mu.Lock()
	c.inbound = append(c.inbound, frame{channel: channel, payload: payload})
	c.mu.Unlock()
}

func (c *conn) close(code quicgo.ApplicationErrorCode, reason string) {
	_ = c.qc.CloseWithError(code, reason)
}

func (c *conn) datagramLoop() {
	for {
		b, err := c.qc.ReceiveDatagram(c.ctx)
		if err != nil {
			return
		}
		if len(b) == 0 {
			continue
		}
		ch := b[0]
		if int(ch) >= len(c.recv) || c.recv[ch].Kind != transport.Unreliable {
			c.log.Debug("datagram on unexpected channel", zap.Uint8("channel", ch))
			continue
		}
		c.push(ch, b[1:])
	}
}

func (c *conn) uniStreamLoop() {
	for {
		s, err := c.qc.AcceptUniStream(c.ctx)
		if err != nil {
			return
		}
		go c.readUniStream(s)
	}
}

func (c *conn) readUniStream(s *quicgo.ReceiveStream) {
	br := bufio.NewReader(s)
	ch, err := br.ReadByte()
	if err != nil {
		return
	}
	if int(ch) >= len(c.recv) || !c.recv[ch].Kind.Reliable() {
		c.log.Warn("stream on unexpected channel", zap.Uint8("channel", ch))
		s.CancelRead(codeUnknownChannel)
		return
	}
	cfg := c.recv[ch]
	switch cfg.Kind {
	case transport.UnorderedReliable:
		limit := int64(cfg.MaxFrameSize)
		var r io.Reader = br
		if limit > 0 {
			r = io.LimitReader(br, limit+1)
		}
		payload, err := io.ReadAll(r)
		if err != nil {
			return
		}
		if limit > 0 && int64(len(payload)) > limit {
			c.log.Warn("unordered frame too large", zap.Uint8("channel", ch), zap.Int("size", len(payload)))
			s.CancelRead(codeUnknownChannel)
			return
		}
		c.push(ch, payload)
	case transport.OrderedReliable:
		for {
			payload, err := readFrame(br, cfg.MaxFrameSize)
			if err != nil {
				if !errors.Is(err, io.EOF) && c.ctx.Err() == nil {
					c.log.Debug("ordered stream ended", zap.Uint8("channel", ch), zap.Error(err))
				}
				return
			}
			c.push(ch, payload)
		}
	}
}

// channelWriter serialises sends for one channel so Send never blocks and
// payloads leave in the order they were queued.
type channelWriter struct {
	c       *conn
	channel uint8
	kind    transport.ChannelKind

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}

	ordered *bufio.Writer
	stream  *quicgo.SendStream
}

func (w *channelWriter) enqueue(p []byte) {
	w.mu.Lock()
	w.queue = append(w.queue, p)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *channelWriter) take() [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := w.queue
	w.queue = nil
	return q
}

func (w *channelWriter) loop() {
	defer func() {
		if w.stream != nil {
			_ = w.stream.Close()
		}
	}()
	for {
		select {
		case <-w.c.ctx.Done():
			return
		case <-w.notify:
		}
		for _, p := range w.take() {
			if err := w.write(p); err != nil {
				if w.c.ctx.Err() == nil {
					w.c.log.Warn("send failed", zap.Uint8("channel", w.channel), zap.Stringer("kind", w.kind), zap.Error(err))
				}
				if w.kind == transport.OrderedReliable {
					// a broken ordered stream cannot be resumed without reordering
					w.c.close(codeProtocol, "ordered stream failed")
					return
				}
			}
		}
	}
}

func (w *channelWriter) write(p []byte) error {
	switch w.kind {
	case transport.Unreliable:
		buf := make([]byte, 0, len(p)+1)
		buf = append(buf, w.channel)
		buf = append(buf, p...)
		err := w.c.qc.SendDatagram(buf)
		var tooLarge *quicgo.DatagramTooLargeError
		if errors.As(err, &tooLarge) {
			w.c.maxDatagram.Store(tooLarge.MaxDatagramPayloadSize - 1)
			w.c.log.Debug("datagram dropped, shrinking limit", zap.Int64("max", tooLarge.MaxDatagramPayloadSize-1))
			return nil
		}
		if err != nil {
			return err
		}
	case transport.UnorderedReliable:
		s, err := w.c.qc.OpenUniStreamSync(w.c.ctx)
		if err != nil {
			return err
		}
		if _, err := s.Write([]byte{w.channel}); err != nil {
			return err
		}
		if _, err := s.Write(p); err != nil {
			return err
		}
		if err := s.Close(); err != nil {
			return err
		}
	case transport.OrderedReliable:
		if w.stream == nil {
			s, err := w.c.qc.OpenUniStreamSync(w.c.ctx)
			if err != nil {
				return err
			}
			w.stream = s
			w.ordered = bufio.NewWriter(s)
			if err := w.ordered.WriteByte(w.channel); err != nil {
				return err
			}
		}
		if err := writeFrame(w.ordered, p); err != nil {
			return err
		}
		if err := w.ordered.Flush(); err != nil {
			return err
		}
	}
	w.c.sentBytes.Add(uint64(len(p)))
	return nil
}
