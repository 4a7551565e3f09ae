// Package config defines the runtime configuration for meshrc and
// provides helpers for parsing jump-host specifications and building
// relay URLs.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	rcerr "meshrc/internal/errors"
)

// Mode selects which adapter drives the session.
type Mode string

const (
	ModeShell   Mode = "shell"
	ModeDesktop Mode = "desktop"
)

// Protocol returns the relay protocol id for the mode: 1 for shell,
// 2 for desktop, 0 for an unknown mode.
func (m Mode) Protocol() int {
	switch m {
	case ModeShell:
		return 1
	case ModeDesktop:
		return 2
	default:
		return 0
	}
}

// ParseMode accepts "shell"/"terminal" and "desktop"/"kvm".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "shell", "terminal":
		return ModeShell, nil
	case "desktop", "kvm":
		return ModeDesktop, nil
	}
	return "", fmt.Errorf("unknown mode %q – expected shell or desktop", s)
}

// Config holds every tuneable for a single meshrc session.
type Config struct {
	// ── Relay server ─────────────────────────────────────────────────
	Server    string // http(s)://, ws(s):// or bare host[:port]
	ToolsPath string // path prefix in front of control.ashx / meshrelay.ashx
	Insecure  bool   // skip TLS certificate verification

	// ── Credentials ──────────────────────────────────────────────────
	User            string
	Password        string
	PromptPassword  bool
	Token           string // bearer token for the gateway
	HeaderTokenAuth bool   // also pass Token as authorization= on the relay URL

	// ── Session ──────────────────────────────────────────────────────
	Mode         Mode
	NodeID       string
	Cols         int
	Rows         int
	RequireLogin bool
	ViewOnly     bool
	RecordPath   string // desktop: write received frames here

	// ── Timing ───────────────────────────────────────────────────────
	KeepAlive        time.Duration
	IdleTimeout      time.Duration // 0 → 3×KeepAlive, < 0 → never
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ControlTimeout   time.Duration

	// ── Reconnect ────────────────────────────────────────────────────
	Reconnect            bool
	MaxReconnectAttempts int
	MaxReconnectBackoff  time.Duration

	// ── SSH jump host ────────────────────────────────────────────────
	JumpSpec       string // raw user@host[:port] from --jump
	JumpEnabled    bool
	JumpUser       string
	JumpHost       string
	JumpPort       int
	SSHKeyPath     string
	SSHPassword    bool // true → prompt interactively
	UseSSHAgent    bool
	StrictHostKey  bool
	KnownHostsPath string

	// ── Output ───────────────────────────────────────────────────────
	MetricsAddr string
	Verbose     int
	DryRun      bool
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		ToolsPath:            DefaultToolsPath,
		Mode:                 ModeShell,
		KeepAlive:            DefaultKeepAlive,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		WriteTimeout:         DefaultWriteTimeout,
		ControlTimeout:       DefaultControlTimeout,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		MaxReconnectBackoff:  DefaultMaxReconnectBackoff,
	}
}

// ── Jump-spec parser ─────────────────────────────────────────────────

// jumpRe matches [user@]host[:port].
var jumpRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseJumpSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseJumpSpec(spec string) (user, host string, port int, err error) {
	m := jumpRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid jump spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid jump port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("jump host is required")
	}
	return user, host, port, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server == "" {
		return &rcerr.ConfigError{
			Field:   "server",
			Message: "relay server is required",
			Hint:    "pass --server https://mesh.example.com or set MESHRC_SERVER",
		}
	}
	if c.Mode.Protocol() == 0 {
		return &rcerr.ConfigError{Field: "mode", Value: c.Mode, Message: "must be shell or desktop"}
	}
	if c.NodeID == "" {
		return &rcerr.ConfigError{
			Field:   "node",
			Message: "target node id is required",
			Hint:    "usage: meshrc [options] shell|desktop <node-id>",
		}
	}
	if c.User == "" && c.Token == "" {
		return &rcerr.ConfigError{
			Field:   "user",
			Message: "credentials are required",
			Hint:    "pass --user (with --password or -P) or --token",
		}
	}
	if c.HeaderTokenAuth && c.Token == "" {
		return &rcerr.ConfigError{Field: "header-token-auth", Message: "requires --token"}
	}
	if c.Cols < 0 {
		return &rcerr.ConfigError{Field: "cols", Value: c.Cols, Message: "must not be negative"}
	}
	if c.Rows < 0 {
		return &rcerr.ConfigError{Field: "rows", Value: c.Rows, Message: "must not be negative"}
	}
	if c.Mode == ModeShell && (c.ViewOnly || c.RecordPath != "") {
		return &rcerr.ConfigError{
			Field:   "view-only",
			Message: "--view-only and --record only apply to desktop sessions",
		}
	}
	if c.KeepAlive < 0 {
		return &rcerr.ConfigError{Field: "keepalive", Value: c.KeepAlive, Message: "must not be negative"}
	}
	if c.Reconnect && c.MaxReconnectAttempts < 0 {
		return &rcerr.ConfigError{
			Field:   "max-reconnects",
			Value:   c.MaxReconnectAttempts,
			Message: "must not be negative",
			Hint:    "use 0 for unlimited attempts",
		}
	}
	if c.JumpEnabled && c.JumpHost == "" {
		return &rcerr.ConfigError{Field: "jump", Message: "jump host is required"}
	}
	return nil
}
