package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"replibridge/pkg/transport"
)

// Client is one outbound QUIC connection. Dial returns at once; the
// connection and handshake proceed in the background and are observed
// through Status.
type Client struct {
	cfg    ClientConfig
	log    *zap.Logger
	cancel context.CancelFunc

	mu     sync.Mutex
	status transport.ClientStatus
	conn   *conn
	err    error
}

var _ transport.Client = (*Client)(nil)

// Dial starts connecting to cfg.Address. Configuration errors are returned
// immediately; network failures surface as StatusClosed and Err.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	cfg.Options = cfg.Options.withDefaults()
	if err := checkChannels(cfg.Channels); err != nil {
		return nil, err
	}
	tlsConf, err := clientTLS(cfg)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		cfg:    cfg,
		log:    cfg.Logger.Named("quic-client").With(zap.String("server", cfg.Address)),
		cancel: cancel,
		status: transport.StatusConnecting,
	}
	go c.run(cctx, tlsConf)
	return c, nil
}

func (c *Client) Status() transport.ClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) Connection() (transport.Connection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != transport.StatusConnected || c.conn == nil {
		return nil, false
	}
	return c.conn, true
}

// Err is the reason the client closed, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.status == transport.StatusClosed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	c.status = transport.StatusClosed
	cn := c.conn
	c.mu.Unlock()
	if cn != nil {
		cn.close(codeClosed, "client closed")
	}
	c.cancel()
	return nil
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == transport.StatusClosed {
		return
	}
	c.status = transport.StatusClosed
	c.err = err
	c.log.Warn("connection closed", zap.Error(err))
}

func (c *Client) run(ctx context.Context, tlsConf *tls.Config) {
	cn, err := c.connect(ctx, tlsConf)
	if err != nil {
		c.fail(err)
		return
	}
	<-cn.ctx.Done()
	c.fail(context.Cause(cn.ctx))
}

func (c *Client) connect(ctx context.Context, tlsConf *tls.Config) (*conn, error) {
	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	qc, err := quicgo.DialAddr(hctx, c.cfg.Address, tlsConf, c.cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic: dial %s: %w", c.cfg.Address, err)
	}
	ctrl, err := qc.OpenStreamSync(hctx)
	if err != nil {
		_ = qc.CloseWithError(codeProtocol, "no control stream")
		return nil, fmt.Errorf("quic: open control stream: %w", err)
	}
	if err := writeControl(ctrl, hello{Version: protocolVersion, Channels: toWire(c.cfg.Channels)}); err != nil {
		_ = qc.CloseWithError(codeProtocol, "hello failed")
		return nil, fmt.Errorf("quic: hello: %w", err)
	}
	if d, ok := hctx.Deadline(); ok {
		_ = ctrl.SetReadDeadline(d)
	}
	var w welcome
	if err := readControl(ctrl, &w); err != nil {
		_ = qc.CloseWithError(codeProtocol, "bad welcome")
		return nil, fmt.Errorf("quic: welcome: %w", err)
	}
	if w.Version != protocolVersion {
		_ = qc.CloseWithError(codeProtocol, errBadVersion.Error())
		return nil, errBadVersion
	}
	peer, err := fromWire(w.Channels)
	if err != nil {
		_ = qc.CloseWithError(codeProtocol, "bad channels")
		return nil, err
	}

	cn := newConn(transport.ConnectionID(w.ConnectionID), qc, c.cfg.Channels, peer, c.log)
	c.mu.Lock()
	if c.status == transport.StatusClosed {
		c.mu.Unlock()
		cn.close(codeClosed, "client closed")
		return nil, errors.New("quic: client closed during handshake")
	}
	c.conn = cn
	c.status = transport.StatusConnected
	c.mu.Unlock()
	cn.start()
	c.log.Info("connected", zap.Uint64("conn", w.ConnectionID))
	return cn, nil
}
