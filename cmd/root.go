// Package cmd wires up the CLI flags and dispatches to the session
// orchestrator.
package cmd

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"meshrc/config"
	"meshrc/internal/adapter"
	"meshrc/internal/core"
	"meshrc/internal/metrics"
	"meshrc/internal/transport"
	"meshrc/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X meshrc/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs a remote shell or desktop session.
func Execute(ctx context.Context, args []string) error {
	cfg := config.New()
	config.LoadFromEnv(cfg)
	fs := flag.NewFlagSet("meshrc", flag.ContinueOnError)

	// ── relay server ─────────────────────────────────────────────
	fs.StringVarP(&cfg.Server, "server", "s", cfg.Server, "Relay server URL or host[:port]")
	fs.StringVar(&cfg.ToolsPath, "tools-path", cfg.ToolsPath, "Path prefix of the relay endpoints")
	fs.BoolVarP(&cfg.Insecure, "insecure", "k", cfg.Insecure, "Skip TLS certificate verification")

	// ── credentials ──────────────────────────────────────────────
	fs.StringVarP(&cfg.User, "user", "u", cfg.User, "Login user")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "Login password")
	fs.BoolVarP(&cfg.PromptPassword, "prompt-password", "P", false, "Prompt for the login password")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Bearer token for the gateway")
	fs.BoolVar(&cfg.HeaderTokenAuth, "header-token-auth", cfg.HeaderTokenAuth, "Also pass the token on the relay URL")

	// ── session ──────────────────────────────────────────────────
	fs.IntVar(&cfg.Cols, "cols", 0, "Terminal columns (default: current terminal)")
	fs.IntVar(&cfg.Rows, "rows", 0, "Terminal rows (default: current terminal)")
	fs.BoolVar(&cfg.RequireLogin, "require-login", false, "Ask the agent for an OS login")
	fs.BoolVar(&cfg.ViewOnly, "view-only", false, "Desktop: never send input")
	fs.StringVar(&cfg.RecordPath, "record", "", "Desktop: record received frames to file")

	// ── timing / reconnect ───────────────────────────────────────
	fs.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "rtt probe interval")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Drop a relay silent this long (default 3x keepalive, <0 never)")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", cfg.HandshakeTimeout, "Websocket upgrade timeout")
	fs.DurationVar(&cfg.ControlTimeout, "control-timeout", cfg.ControlTimeout, "Control request timeout")
	fs.BoolVar(&cfg.Reconnect, "reconnect", cfg.Reconnect, "Re-open the tunnel when it drops")
	fs.IntVar(&cfg.MaxReconnectAttempts, "max-reconnects", cfg.MaxReconnectAttempts, "Reconnect attempts (0 = unlimited)")

	// ── SSH jump host ────────────────────────────────────────────
	fs.StringVarP(&cfg.JumpSpec, "jump", "J", cfg.JumpSpec, "Reach the server via SSH [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", cfg.SSHKeyPath, "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", false, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", cfg.UseSSHAgent, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", cfg.StrictHostKey, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", cfg.KnownHostsPath, "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Serve Prometheus metrics on addr")
	envVerbose := cfg.Verbose // CountVarP zeroes its target
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate configuration and exit")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}
	if cfg.Verbose == 0 {
		cfg.Verbose = envVerbose
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("meshrc %s\n", version)
		return nil
	}

	if rest := fs.Args(); len(rest) > 0 && rest[0] == "replay" {
		return replay(rest[1:], os.Stdout)
	}

	// ── positional arguments ─────────────────────────────────────
	if err := parsePositional(cfg, fs.Args()); err != nil {
		return err
	}

	// ── jump spec ────────────────────────────────────────────────
	if cfg.JumpSpec != "" {
		user, host, port, err := config.ParseJumpSpec(cfg.JumpSpec)
		if err != nil {
			return fmt.Errorf("jump: %w", err)
		}
		cfg.JumpEnabled = true
		cfg.JumpUser = user
		cfg.JumpHost = host
		cfg.JumpPort = port
		if cfg.JumpUser == "" {
			cfg.JumpUser = os.Getenv("USER")
		}
	}

	if cfg.Mode == config.ModeShell && (cfg.Cols == 0 || cfg.Rows == 0) {
		cfg.Cols, cfg.Rows = terminalSize(cfg.Cols, cfg.Rows)
	}

	if cfg.DryRun {
		if err := cfg.Validate(); err != nil {
			return err
		}
		printPlan(cfg)
		return nil
	}

	if cfg.PromptPassword {
		pass, err := transport.ReadTerminalSecret(fmt.Sprintf("%s password: ", cfg.User))
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		cfg.Password = string(pass)
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)
	m := metrics.New()

	o, err := core.Build(cfg, logger, core.IO{Stdin: os.Stdin, Stdout: os.Stdout}, m)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.MetricsAddr != "" {
		if err := serveMetrics(ctx, cfg.MetricsAddr, m, logger); err != nil {
			return err
		}
	}

	if sh, ok := o.Adapter().(*adapter.Shell); ok {
		restore := makeRaw(logger)
		defer restore()
		go watchResize(ctx, sh)
	}

	return o.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

func parsePositional(cfg *config.Config, remaining []string) error {
	if len(remaining) < 1 {
		return fmt.Errorf("mode required: shell or desktop (use --help for usage)")
	}
	mode, err := config.ParseMode(remaining[0])
	if err != nil {
		return err
	}
	cfg.Mode = mode

	if len(remaining) < 2 {
		return fmt.Errorf("node id required")
	}
	if len(remaining) > 2 {
		return fmt.Errorf("too many arguments")
	}
	cfg.NodeID = remaining[1]
	return nil
}

// terminalSize fills in missing dimensions from stdout, falling back to
// 80x24 when stdout is not a terminal.
func terminalSize(cols, rows int) (int, int) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		w, h = config.DefaultCols, config.DefaultRows
	}
	if cols == 0 {
		cols = w
	}
	if rows == 0 {
		rows = h
	}
	return cols, rows
}

// makeRaw puts stdin in raw mode when it is a terminal and returns the
// function that restores it.
func makeRaw(logger *util.Logger) func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		logger.Warn("raw mode: %v", err)
		return func() {}
	}
	return func() { term.Restore(fd, state) } //nolint:errcheck
}

func printPlan(cfg *config.Config) {
	fmt.Fprintf(os.Stderr, "server:  %s\n", cfg.WSURL(config.RelayPath, nil))
	fmt.Fprintf(os.Stderr, "mode:    %s (protocol %d)\n", cfg.Mode, cfg.Mode.Protocol())
	fmt.Fprintf(os.Stderr, "node:    %s\n", cfg.NodeID)
	if cfg.Mode == config.ModeShell {
		fmt.Fprintf(os.Stderr, "size:    %dx%d\n", cfg.Cols, cfg.Rows)
	}
	if cfg.JumpEnabled {
		fmt.Fprintf(os.Stderr, "jump:    %s\n", util.FormatAddr(cfg.JumpHost, cfg.JumpPort))
	}
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `meshrc – remote shell and desktop over a mesh relay v%s

Usage:
  meshrc [options] shell <node-id>            Interactive remote shell
  meshrc [options] desktop <node-id>          Remote desktop session
  meshrc replay <file>                        Summarise a --record file

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  meshrc -s https://mesh.example.com -u admin -P shell 'node//abc'
  meshrc --token $TOKEN --header-token-auth shell 'node//abc'
  meshrc --view-only --record out.rec desktop 'node//abc'
  meshrc -J ops@bastion --reconnect shell 'node//abc'

Environment:
  MESHRC_SERVER, MESHRC_USER, MESHRC_PASSWORD, MESHRC_TOKEN, MESHRC_JUMP, ...
`)
}
