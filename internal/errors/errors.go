// Package errors provides domain-specific error types for meshrc.
//
// The taxonomy mirrors how a remote-control session can fail: the
// control plane refuses credentials (AuthError), pairing registration
// misfires (PairingError, never fatal), the relay socket dies
// (TransportError), or the relay sends something we cannot parse
// (ProtocolViolation, never thrown past the transport).
package errors

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrNotIdle         = errors.New("tunnel is not idle")
	ErrTransportClosed = errors.New("transport is closed")
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTimeout         = errors.New("operation timed out")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrHostKeyMismatch = errors.New("host key mismatch")
)

// ── Session error types ──────────────────────────────────────────────

// AuthError reports that the control plane rejected our credentials or
// never handed out cookies.  It is fatal to session start.
type AuthError struct {
	Op     string // "dial", "authcookie"
	Server string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s %s: %v", e.Op, e.Server, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAuthFailed) match every AuthError.
func (e *AuthError) Is(target error) bool { return target == ErrAuthFailed }

// PairingError reports a failed tunnel pairing registration.  Callers
// log it and carry on.
type PairingError struct {
	NodeID  string
	RelayID string
	Err     error
}

func (e *PairingError) Error() string {
	return fmt.Sprintf("pairing node=%s relay=%s: %v", e.NodeID, e.RelayID, e.Err)
}

func (e *PairingError) Unwrap() error { return e.Err }

// TransportError describes a relay socket failure that tore the tunnel
// down to idle.
type TransportError struct {
	Op  string // "dial", "read", "write"
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolViolation describes an inbound frame that did not match any
// known shape.  The payload is still forwarded as raw data.
type ProtocolViolation struct {
	Reason  string
	Payload string
}

func (e *ProtocolViolation) Error() string {
	p := e.Payload
	if len(p) > 64 {
		p = p[:64] + "..."
	}
	return fmt.Sprintf("protocol violation: %s: %q", e.Reason, p)
}

// ── Network error types ──────────────────────────────────────────────

// NetworkError represents a failure in a network operation.
type NetworkError struct {
	Op        string // operation: "dial", "write", "read"
	Addr      string // network address involved
	Err       error  // underlying error
	Retryable bool   // whether the caller should retry
}

func (e *NetworkError) Error() string {
	s := fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
	if e.Retryable {
		s += " (retryable)"
	}
	return s
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SSHError represents an SSH-specific failure with host context.
type SSHError struct {
	Op   string // "handshake", "auth", "hostkey", "dial"
	Host string
	Port int
	Err  error
}

func (e *SSHError) Error() string {
	return fmt.Sprintf("ssh %s %s:%d: %v", e.Op, e.Host, e.Port, e.Err)
}

func (e *SSHError) Unwrap() error { return e.Err }

// ConfigError represents an invalid configuration value.
type ConfigError struct {
	Field   string      // config field name
	Value   interface{} // the invalid value (nil if missing)
	Message string      // human-readable explanation
	Hint    string      // suggestion for the user (optional)
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config: --%s", e.Field)
	if e.Value != nil {
		msg += fmt.Sprintf("=%v", e.Value)
	}
	msg += ": " + e.Message
	if e.Hint != "" {
		msg += "\n  hint: " + e.Hint
	}
	return msg
}

// ── Constructors ─────────────────────────────────────────────────────

// Wrap creates a NetworkError, automatically detecting retryability
// from the underlying error.
func Wrap(op, addr string, err error) *NetworkError {
	return &NetworkError{
		Op:        op,
		Addr:      addr,
		Err:       err,
		Retryable: classifyRetryable(err),
	}
}

// WrapSSH creates an SSHError.
func WrapSSH(op, host string, port int, err error) *SSHError {
	return &SSHError{Op: op, Host: host, Port: port, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsAuth reports whether err means the control plane refused us.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}

// IsRetryable reports whether a later attempt could get past err.
// Refused credentials, bad configuration, SSH authentication and host
// key failures are final; relay and control socket failures are not.
func IsRetryable(err error) bool {
	if err == nil || IsAuth(err) || errors.Is(err, ErrHostKeyMismatch) {
		return false
	}
	var ce *ConfigError
	if errors.As(err, &ce) {
		return false
	}
	var se *SSHError
	if errors.As(err, &se) && (se.Op == "auth" || se.Op == "hostkey") {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransportClosed) {
		return true
	}
	return classifyRetryable(err)
}

// classifyRetryable inspects standard library network errors.  A host
// that does not resolve stays unresolved; everything else on the socket
// level (refused, reset, timed out) may clear up.
func classifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsNotFound
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// ── Re-exports for convenience ───────────────────────────────────────

// As is [errors.As].
func As(err error, target interface{}) bool { return errors.As(err, target) }

// Is is [errors.Is].
func Is(err, target error) bool { return errors.Is(err, target) }

// New is [errors.New].
func New(text string) error { return errors.New(text) }

// Unwrap is [errors.Unwrap].
func Unwrap(err error) error { return errors.Unwrap(err) }

// Join is [errors.Join].
func Join(errs ...error) error { return errors.Join(errs...) }
