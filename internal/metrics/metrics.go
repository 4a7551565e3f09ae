// Package metrics provides lightweight, lock-free counters and gauges
// for tracking a remote-control session, and exports them to
// Prometheus.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector tracks runtime metrics for a meshrc session.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	tunnelsStarted atomic.Int64
	framesIn       atomic.Int64
	framesOut      atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64
	keepalivesSent atomic.Int64
	violations     atomic.Int64
	reconnects     atomic.Int64
	errorsTotal    atomic.Int64
	state          atomic.Int32
	circuit        atomic.Int32
	lastRTT        atomic.Int64 // nanoseconds

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Tunnel lifecycle ─────────────────────────────────────────────────

// TunnelStarted records a transport leaving Idle.
func (c *Collector) TunnelStarted() {
	if c == nil {
		return
	}
	c.tunnelsStarted.Add(1)
}

// SetState records the current tunnel state (0–3).
func (c *Collector) SetState(s int) {
	if c == nil {
		return
	}
	c.state.Store(int32(s))
}

// State returns the last recorded tunnel state.
func (c *Collector) State() int {
	if c == nil {
		return 0
	}
	return int(c.state.Load())
}

// SetCircuitState records the control-plane circuit breaker position
// (0 closed, 1 open, 2 half-open).
func (c *Collector) SetCircuitState(s int) {
	if c == nil {
		return
	}
	c.circuit.Store(int32(s))
}

// Reconnect records an orchestrator-level reconnection attempt.
func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.reconnects.Add(1)
}

// Reconnects returns the total reconnection count.
func (c *Collector) Reconnects() int64 {
	if c == nil {
		return 0
	}
	return c.reconnects.Load()
}

// ── Frame metrics ────────────────────────────────────────────────────

// FrameReceived records one inbound frame of n bytes.
func (c *Collector) FrameReceived(n int) {
	if c == nil {
		return
	}
	c.framesIn.Add(1)
	c.bytesIn.Add(int64(n))
}

// FrameSent records one outbound frame of n bytes.
func (c *Collector) FrameSent(n int) {
	if c == nil {
		return
	}
	c.framesOut.Add(1)
	c.bytesOut.Add(int64(n))
}

// TotalBytesIn returns total bytes received.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes sent.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ProtocolViolation records an inbound frame that matched no known shape.
func (c *Collector) ProtocolViolation() {
	if c == nil {
		return
	}
	c.violations.Add(1)
}

// ── Keepalive ────────────────────────────────────────────────────────

// KeepaliveSent records an rtt probe.
func (c *Collector) KeepaliveSent() {
	if c == nil {
		return
	}
	c.keepalivesSent.Add(1)
}

// KeepalivesSent returns the number of rtt probes sent.
func (c *Collector) KeepalivesSent() int64 {
	if c == nil {
		return 0
	}
	return c.keepalivesSent.Load()
}

// RecordRTT stores the latest round-trip sample.
func (c *Collector) RecordRTT(d time.Duration) {
	if c == nil || d < 0 {
		return
	}
	c.lastRTT.Store(int64(d))
}

// LastRTT returns the latest round-trip sample.
func (c *Collector) LastRTT() time.Duration {
	if c == nil {
		return 0
	}
	return time.Duration(c.lastRTT.Load())
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime             string  `json:"uptime"`
	State              int     `json:"state"`
	ControlCircuit     int     `json:"control_circuit_state"`
	TunnelsStarted     int64   `json:"tunnels_started"`
	FramesIn           int64   `json:"frames_in"`
	FramesOut          int64   `json:"frames_out"`
	BytesIn            int64   `json:"bytes_in"`
	BytesOut           int64   `json:"bytes_out"`
	KeepalivesSent     int64   `json:"keepalives_sent"`
	LastRTTSeconds     float64 `json:"last_rtt_seconds"`
	ProtocolViolations int64   `json:"protocol_violations"`
	Reconnects         int64   `json:"reconnects"`
	ErrorsTotal        int64   `json:"errors_total"`
	LastError          string  `json:"last_error,omitempty"`
	LastErrorMessage   string  `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:             time.Since(c.startTime).Truncate(time.Second).String(),
		State:              int(c.state.Load()),
		ControlCircuit:     int(c.circuit.Load()),
		TunnelsStarted:     c.tunnelsStarted.Load(),
		FramesIn:           c.framesIn.Load(),
		FramesOut:          c.framesOut.Load(),
		BytesIn:            c.bytesIn.Load(),
		BytesOut:           c.bytesOut.Load(),
		KeepalivesSent:     c.keepalivesSent.Load(),
		LastRTTSeconds:     time.Duration(c.lastRTT.Load()).Seconds(),
		ProtocolViolations: c.violations.Load(),
		Reconnects:         c.reconnects.Load(),
		ErrorsTotal:        c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}

// ── Prometheus export ────────────────────────────────────────────────

// Register exposes the collector's values on reg.  The values are read
// at scrape time, so the hot path stays on plain atomics.
func (c *Collector) Register(reg prometheus.Registerer) error {
	if c == nil {
		return nil
	}
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "meshrc", Name: name, Help: help,
		}, func() float64 { return float64(v.Load()) })
	}
	collectors := []prometheus.Collector{
		counter("tunnels_started_total", "Tunnel transports started", &c.tunnelsStarted),
		counter("frames_received_total", "Inbound relay frames", &c.framesIn),
		counter("frames_sent_total", "Outbound relay frames", &c.framesOut),
		counter("bytes_received_total", "Inbound relay bytes", &c.bytesIn),
		counter("bytes_sent_total", "Outbound relay bytes", &c.bytesOut),
		counter("keepalives_sent_total", "rtt probes sent", &c.keepalivesSent),
		counter("protocol_violations_total", "Inbound frames that matched no known shape", &c.violations),
		counter("reconnects_total", "Orchestrator reconnection attempts", &c.reconnects),
		counter("errors_total", "Errors recorded", &c.errorsTotal),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "meshrc", Name: "tunnel_state", Help: "Tunnel state (0 idle, 1 connecting, 2 open, 3 connected)",
		}, func() float64 { return float64(c.state.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "meshrc", Name: "control_circuit_state", Help: "Control-plane circuit breaker (0 closed, 1 open, 2 half-open)",
		}, func() float64 { return float64(c.circuit.Load()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "meshrc", Name: "rtt_seconds", Help: "Latest relay round-trip time",
		}, func() float64 { return time.Duration(c.lastRTT.Load()).Seconds() }),
	}
	for _, pc := range collectors {
		if err := reg.Register(pc); err != nil {
			return err
		}
	}
	return nil
}
