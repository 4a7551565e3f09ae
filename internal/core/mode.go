// Package core is the orchestration layer.  It sequences the control
// session, the relay tunnel and an adapter into one remote session and
// provides a builder that assembles all of it from a Config.
//
// Architecture layers (bottom → top):
//
//	transport  →  tunnel  →  adapter  →  core  →  cmd (CLI)
//	              control  ↗
package core

import "context"

// Mode is a complete remote session.  Run owns its full lifecycle from
// cookie acquisition to teardown.
type Mode interface {
	Run(ctx context.Context) error
}

var _ Mode = (*Orchestrator)(nil)
