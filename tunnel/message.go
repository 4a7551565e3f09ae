package tunnel

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/gorilla/websocket"

	rcerr "meshrc/internal/errors"
)

// CtrlChannel is the fixed channel id that marks a text frame as a
// control message rather than payload.
const CtrlChannel = 102938

// DataPrefix marks a text frame as console/shell output.
const DataPrefix = '~'

// Control message types.
const (
	TypeRTT      = "rtt"     // latency probe, carries time
	TypeRTTAck   = "rttr"    // probe echo, carries the original time
	TypeConsole  = "console" // diagnostic string in msg
	TypePing     = "ping"    // answered with pong
	TypePong     = "pong"
	TypeTermSize = "termsize" // cols/rows
	TypeOptions  = "options"  // post-handshake session options
	TypeClose    = "close"    // polite goodbye before the socket closes
)

// Channel is the ctrlChannel field.  The relay has been seen sending it
// both as a number and as a quoted string, so both decode.
type Channel int

// UnmarshalJSON accepts 102938 and "102938".
func (c *Channel) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return err
	}
	*c = Channel(n)
	return nil
}

// ControlMessage is one JSON record on the control channel.
type ControlMessage struct {
	CtrlChannel  Channel `json:"ctrlChannel"`
	Type         string  `json:"type"`
	Time         int64   `json:"time,omitempty"`
	Msg          string  `json:"msg,omitempty"`
	Cols         int     `json:"cols,omitempty"`
	Rows         int     `json:"rows,omitempty"`
	RequireLogin bool    `json:"requireLogin,omitempty"`

	// Raw is the full inbound object, for adapter-specific fields.
	// Never sent.
	Raw json.RawMessage `json:"-"`
}

// Inbound is the closed set of frames the relay can send us.
type Inbound interface {
	inbound()
}

// Handshake is the relay's "c" / "cr" readiness sentinel.
type Handshake struct{}

// Control is a decoded control-channel message.
type Control struct {
	Msg ControlMessage
}

// Text is console/shell output.  When Violation is set the frame did
// not match any known shape and Payload is the untouched frame.
type Text struct {
	Payload   string
	Violation error
}

// Binary is an opaque data-channel payload.
type Binary struct {
	Payload []byte
}

func (Handshake) inbound() {}
func (Control) inbound()   {}
func (Text) inbound()      {}
func (Binary) inbound()    {}

// Classify decides what a websocket frame is by inspecting its content:
// exact sentinel match, data prefix, JSON on the control channel, and
// finally raw text.  It never fails.
func Classify(messageType int, data []byte) Inbound {
	if messageType != websocket.TextMessage {
		return Binary{Payload: data}
	}

	s := string(data)
	switch {
	case s == "c" || s == "cr":
		return Handshake{}
	case len(s) > 0 && s[0] == DataPrefix:
		return Text{Payload: s[1:]}
	}

	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Text{Payload: s, Violation: &rcerr.ProtocolViolation{Reason: "not a control message", Payload: s}}
	}
	if msg.CtrlChannel != CtrlChannel {
		return Text{Payload: s, Violation: &rcerr.ProtocolViolation{Reason: "unknown control channel", Payload: s}}
	}
	msg.Raw = json.RawMessage(data)
	return Control{Msg: msg}
}
