package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"replibridge/pkg/bridge"
	"replibridge/pkg/config"
	"replibridge/pkg/observability"
	"replibridge/pkg/repl"
	"replibridge/pkg/transport"
	"replibridge/pkg/transport/quic"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	applyOverrides(cfg, opts)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup logger: %v\n", err)
		return 1
	}
	defer func() { _ = observability.Sync(logger) }()

	logger.Info("replibridge-node started", zap.String("app", cfg.AppName), zap.String("role", cfg.Role))
	logger.Debug("effective configuration", zap.Any("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := newNode(cfg, opts, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	if cfg.Role == config.RoleServer {
		return n.runServer(ctx)
	}
	return n.runClient(ctx)
}

func applyOverrides(cfg *config.Config, opts Options) {
	if opts.Role != "" {
		cfg.Role = opts.Role
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.Address != "" {
		cfg.Client.Address = opts.Address
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
}

type node struct {
	cfg       *config.Config
	opts      Options
	log       *zap.Logger
	serverChs []transport.ChannelConfig
	clientChs []transport.ChannelConfig
	quicOpts  quic.Options
	bridgeOpt bridge.Options
}

// newNode translates both channel lists up front: a bad list is a
// configuration error and must stop the node before anything is opened.
func newNode(cfg *config.Config, opts Options, log *zap.Logger) (*node, error) {
	srv, err := cfg.ServerChannels()
	if err != nil {
		return nil, err
	}
	cli, err := cfg.ClientChannels()
	if err != nil {
		return nil, err
	}
	return &node{
		cfg:       cfg,
		opts:      opts,
		log:       log,
		serverChs: srv,
		clientChs: cli,
		quicOpts: quic.Options{
			KeepAlive:        cfg.QUIC.KeepAlive(),
			MaxIdleTimeout:   cfg.QUIC.MaxIdleTimeout(),
			HandshakeTimeout: cfg.QUIC.HandshakeTimeout(),
			Logger:           log,
		},
		bridgeOpt: bridge.Options{Logger: log, StatsPeriod: cfg.Stats.Period()},
	}, nil
}

func certificateConfig(c config.CertificateConfig) quic.CertificateConfig {
	mode := quic.CertSelfSigned
	if c.Mode == config.CertFiles {
		mode = quic.CertFiles
	}
	return quic.CertificateConfig{Mode: mode, Hostname: c.Hostname, CertFile: c.CertFile, KeyFile: c.KeyFile}
}

func verifyMode(v string) quic.VerifyMode {
	switch v {
	case config.VerifySystem:
		return quic.VerifySystem
	case config.VerifyCAFile:
		return quic.VerifyCAFile
	}
	return quic.VerifySkip
}

// ticker yields the elapsed time since the previous tick.
type ticker struct {
	t    *time.Ticker
	last time.Time
}

func newTicker(interval time.Duration) *ticker {
	return &ticker{t: time.NewTicker(interval), last: time.Now()}
}

func (t *ticker) wait(ctx context.Context) (time.Duration, bool) {
	select {
	case <-ctx.Done():
		return 0, false
	case now := <-t.t.C:
		dt := now.Sub(t.last)
		t.last = now
		return dt, true
	}
}

func (n *node) runServer(ctx context.Context) int {
	ep, err := quic.Listen(ctx, quic.ServerConfig{
		ListenAddr:  n.cfg.Server.Listen,
		Certificate: certificateConfig(n.cfg.Server.Certificate),
		Channels:    n.serverChs,
		Options:     n.quicOpts,
	})
	if err != nil {
		n.log.Error("failed to open endpoint", zap.Error(err))
		return 1
	}
	msgs := repl.NewServer(len(n.serverChs), len(n.clientChs))
	b := bridge.NewServer(msgs, n.bridgeOpt)
	b.Attach(ep)

	tk := newTicker(n.cfg.Tick.Interval())
	defer tk.t.Stop()
	var sinceStats time.Duration
	for {
		dt, ok := tk.wait(ctx)
		if !ok {
			break
		}
		b.ReceivePhase(dt)
		for _, ev := range msgs.DrainEvents() {
			if ev.Kind == repl.ClientDisconnected {
				n.log.Info("client left", zap.Stringer("handle", ev.Handle), zap.Stringer("reason", ev.Reason))
			}
		}
		for ch := 0; ch < len(n.clientChs); ch++ {
			for _, r := range msgs.ReceiveAll(uint8(ch)) {
				n.log.Debug("received", zap.Stringer("handle", r.Handle), zap.Int("channel", ch), zap.Int("bytes", len(r.Payload)))
				if n.opts.Echo {
					if err := msgs.Send(r.Handle, uint8(ch), r.Payload); err != nil {
						n.log.Debug("echo skipped", zap.Error(err))
					}
				}
			}
		}
		b.SendPhase()

		sinceStats += dt
		if n.opts.StatsEvery > 0 && sinceStats >= n.opts.StatsEvery {
			sinceStats = 0
			for _, h := range msgs.Clients() {
				if c, ok := msgs.Client(h); ok {
					logStats(n.log.With(zap.Stringer("handle", h), zap.Int("max_size", c.MaxSize)), c.Stats)
				}
			}
		}
		if msgs.State() == repl.ServerStopped && !ep.Listening() {
			n.log.Warn("endpoint closed")
			return 1
		}
	}

	n.log.Info("shutting down")
	if err := ep.Stop(); err != nil {
		n.log.Debug("stop", zap.Error(err))
	}
	b.Update(0)
	return 0
}

func (n *node) runClient(ctx context.Context) int {
	tr, err := quic.Dial(ctx, quic.ClientConfig{
		Address:    n.cfg.Client.Address,
		Verify:     verifyMode(n.cfg.Client.Verify),
		CAFile:     n.cfg.Client.CAFile,
		ServerName: n.cfg.Client.ServerName,
		Channels:   n.clientChs,
		Options:    n.quicOpts,
	})
	if err != nil {
		n.log.Error("failed to open connection", zap.Error(err))
		return 1
	}
	msgs := repl.NewClient(len(n.serverChs), len(n.clientChs))
	b := bridge.NewClient(msgs, n.bridgeOpt)
	b.Attach(tr)

	tk := newTicker(n.cfg.Tick.Interval())
	defer tk.t.Stop()
	var sinceStats, sincePing time.Duration
	var seq uint64
	for {
		dt, ok := tk.wait(ctx)
		if !ok {
			break
		}
		b.ReceivePhase(dt)
		if msgs.State() == repl.Disconnected && tr.Status() == transport.StatusClosed {
			n.log.Warn("connection closed", zap.Error(tr.Err()))
			return 1
		}
		if !msgs.IsConnected() {
			continue
		}
		for ch := 0; ch < len(n.serverChs); ch++ {
			for _, p := range msgs.Receive(uint8(ch)) {
				n.log.Debug("received", zap.Int("channel", ch), zap.Int("bytes", len(p)))
			}
		}
		sincePing += dt
		if n.opts.PingInterval > 0 && sincePing >= n.opts.PingInterval {
			sincePing = 0
			seq++
			for ch := 0; ch < len(n.clientChs); ch++ {
				_ = msgs.Send(uint8(ch), []byte(fmt.Sprintf("ping %d", seq)))
			}
		}
		b.SendPhase()

		sinceStats += dt
		if n.opts.StatsEvery > 0 && sinceStats >= n.opts.StatsEvery {
			sinceStats = 0
			logStats(n.log, msgs.Stats())
		}
	}

	n.log.Info("shutting down")
	msgs.RequestDisconnect()
	b.Update(0)
	return 0
}

func logStats(log *zap.Logger, s repl.Stats) {
	log.Info("connection stats",
		zap.Float64("rtt_s", s.RTTSeconds()),
		zap.Float64("packet_loss_pct", s.PacketLoss),
		zap.Float64("sent_bps", s.SentBps),
		zap.Float64("received_bps", s.ReceivedBps),
	)
}
