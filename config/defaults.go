package config

import "time"

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags and environment variable loading.

const (
	// DefaultSSHPort is the standard SSH port for --jump.
	DefaultSSHPort = 22

	// DefaultToolsPath is where the gateway mounts the relay server's
	// websocket endpoints.
	DefaultToolsPath = "/ws/tools/meshcentral-server"

	// RelayPath is the tunnel endpoint below ToolsPath.
	RelayPath = "/meshrelay.ashx"

	// ControlPath is the control-plane endpoint below ToolsPath.
	ControlPath = "/control.ashx"

	// DefaultKeepAlive is the rtt probe cadence on an open tunnel.
	DefaultKeepAlive = 10 * time.Second

	// DefaultHandshakeTimeout bounds the websocket upgrade.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultControlTimeout bounds a control-plane request/response.
	DefaultControlTimeout = 15 * time.Second

	// DefaultCols and DefaultRows size the remote terminal when stdout
	// is not a terminal.
	DefaultCols = 80
	DefaultRows = 24

	// DefaultMaxReconnectAttempts is how many times --reconnect retries
	// after the tunnel drops.
	DefaultMaxReconnectAttempts = 10

	// DefaultMaxReconnectBackoff caps the exponential backoff between
	// reconnection attempts.
	DefaultMaxReconnectBackoff = 60 * time.Second
)
