package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the MESHRC_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	// Relay server
	if v := os.Getenv("MESHRC_SERVER"); v != "" {
		cfg.Server = v
	}
	if v, ok := os.LookupEnv("MESHRC_TOOLS_PATH"); ok {
		cfg.ToolsPath = v
	}
	if envBool("MESHRC_INSECURE") {
		cfg.Insecure = true
	}

	// Credentials
	if v := os.Getenv("MESHRC_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("MESHRC_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("MESHRC_TOKEN"); v != "" {
		cfg.Token = v
	}
	if envBool("MESHRC_HEADER_TOKEN_AUTH") {
		cfg.HeaderTokenAuth = true
	}

	// Timing
	if v := envInt("MESHRC_KEEPALIVE"); v > 0 {
		cfg.KeepAlive = secondsDuration(v)
	}
	if v := envInt("MESHRC_CONTROL_TIMEOUT"); v > 0 {
		cfg.ControlTimeout = secondsDuration(v)
	}

	// Reconnect
	if envBool("MESHRC_RECONNECT") {
		cfg.Reconnect = true
	}
	if v := envInt("MESHRC_MAX_RECONNECTS"); v > 0 {
		cfg.MaxReconnectAttempts = v
	}

	// SSH jump host
	if v := os.Getenv("MESHRC_JUMP"); v != "" {
		cfg.JumpSpec = v
	}
	if v := os.Getenv("MESHRC_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}
	if envBool("MESHRC_SSH_AGENT") {
		cfg.UseSSHAgent = true
	}
	if envBool("MESHRC_STRICT_HOSTKEY") {
		cfg.StrictHostKey = true
	}
	if v := os.Getenv("MESHRC_KNOWN_HOSTS"); v != "" {
		cfg.KnownHostsPath = v
	}

	// Output
	if v := os.Getenv("MESHRC_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := envInt("MESHRC_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
