// Package session holds the data model for one logical relay tunnel:
// who we are talking to, how the relay pairs us, and where the
// handshake stands.
//
// A Session is owned by exactly one tunnel.Transport and is never
// shared across sockets.
package session

import (
	"strings"

	"github.com/google/uuid"
)

// State is the tunnel lifecycle position.  The numeric values are what
// observers see (0–3).
type State int32

const (
	StateIdle       State = 0 // no socket
	StateConnecting State = 1 // dialing / upgrading
	StateOpen       State = 2 // socket open, waiting for the relay handshake
	StateConnected  State = 3 // handshake done, data flowing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateConnected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Session identifies one logical connection through the relay.
type Session struct {
	RelayID     string // pairs the two legs of the tunnel at the relay
	NodeID      string // target endpoint
	Protocol    int    // 1 = shell, 2 = desktop
	AuthCookie  string
	State       State
	OptionsSent bool
}

// New creates a Session with a fresh relay id.
func New(nodeID string, protocol int, authCookie string) *Session {
	return &Session{
		RelayID:    NewRelayID(),
		NodeID:     nodeID,
		Protocol:   protocol,
		AuthCookie: authCookie,
	}
}

// NewRelayID returns an opaque, URL-safe correlation token.
func NewRelayID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// HandshakeDone reports whether the relay handshake has been consumed.
func (s *Session) HandshakeDone() bool {
	return s.State >= StateConnected
}
