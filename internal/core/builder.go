package core

import (
	"crypto/tls"
	"io"

	"meshrc/config"
	"meshrc/internal/adapter"
	"meshrc/internal/control"
	"meshrc/internal/metrics"
	"meshrc/internal/retry"
	"meshrc/internal/transport"
	"meshrc/tunnel"
	"meshrc/util"
)

// IO is the local side of a session.
type IO struct {
	Stdin  io.Reader
	Stdout io.Writer
}

// Build assembles an Orchestrator from the configuration.  This is the
// single place that decides which dialer, adapter and retry policy a
// session uses.
func Build(cfg *config.Config, logger *util.Logger, stdio IO, m *metrics.Collector) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a, err := buildAdapter(cfg, logger, stdio)
	if err != nil {
		return nil, err
	}

	dialer := buildDialer(cfg, logger)
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.Insecure} //nolint:gosec // user opted in with --insecure

	ctl := control.New(control.Config{
		URL:       cfg.WSURL(config.ControlPath, nil),
		User:      cfg.User,
		Password:  cfg.Password,
		Token:     cfg.Token,
		Dialer:    dialer,
		TLSConfig: tlsCfg,
		Timeout:   cfg.ControlTimeout,
		Logger:    logger,
	})

	tc := tunnel.Config{
		RelayURL:         cfg.WSURL(config.RelayPath, nil),
		KeepAlive:        cfg.KeepAlive,
		IdleTimeout:      cfg.IdleTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		Dialer:           dialer,
		TLSConfig:        tlsCfg,
	}
	if cfg.HeaderTokenAuth {
		tc.BearerToken = cfg.Token
	}

	return New(Options{
		NodeID:    cfg.NodeID,
		Control:   ctl,
		Adapter:   a,
		Tunnel:    tc,
		Reconnect: cfg.Reconnect,
		Backoff:   buildBackoff(cfg),
		Breaker: retry.NewCircuitBreaker(&retry.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: cfg.MaxReconnectBackoff,
			OnStateChange: func(from, to retry.State) {
				logger.Verbose("control circuit %s → %s", from, to)
				m.SetCircuitState(int(to))
			},
		}),
		Closers: []io.Closer{dialer},
		Logger:  logger,
		Metrics: m,
	}), nil
}

// ── helpers ──────────────────────────────────────────────────────────

func buildAdapter(cfg *config.Config, logger *util.Logger, stdio IO) (adapter.Adapter, error) {
	if cfg.Mode == config.ModeDesktop {
		var dec adapter.Decoder = adapter.DecoderFunc(func(frame []byte) error {
			logger.Debug("desktop frame: %d bytes", len(frame))
			return nil
		})
		if cfg.RecordPath != "" {
			rec, err := adapter.CreateRecorder(cfg.RecordPath)
			if err != nil {
				return nil, err
			}
			dec = rec
		}
		return adapter.NewDesktop(dec, cfg.ViewOnly, logger), nil
	}
	return adapter.NewShell(stdio.Stdin, stdio.Stdout, cfg.Cols, cfg.Rows, cfg.RequireLogin, logger), nil
}

// buildDialer creates the right transport.Dialer for the given config.
func buildDialer(cfg *config.Config, logger *util.Logger) transport.Dialer {
	if cfg.JumpEnabled {
		return transport.NewSSHDialer(&transport.SSHConfig{
			User:          cfg.JumpUser,
			Host:          cfg.JumpHost,
			Port:          cfg.JumpPort,
			KeyPath:       cfg.SSHKeyPath,
			PromptPass:    cfg.SSHPassword,
			UseAgent:      cfg.UseSSHAgent,
			StrictHostKey: cfg.StrictHostKey,
			KnownHosts:    cfg.KnownHostsPath,
			ConnTimeout:   cfg.HandshakeTimeout,
		}, logger)
	}
	return &transport.TCPDialer{Timeout: cfg.HandshakeTimeout}
}

func buildBackoff(cfg *config.Config) *retry.Backoff {
	b := retry.DefaultBackoff()
	b.MaxDelay = cfg.MaxReconnectBackoff
	b.MaxAttempts = 0
	if cfg.MaxReconnectAttempts > 0 {
		b.MaxAttempts = cfg.MaxReconnectAttempts + 1
	}
	return b
}
