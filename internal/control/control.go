// Package control implements the control-plane session: it trades user
// credentials for short-lived relay cookies and tells the server which
// relay id the agent should connect back on.
//
// The session runs over one websocket to the server's control endpoint
// and is opened lazily by the first call that needs it.
package control

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	rcerr "meshrc/internal/errors"
	"meshrc/internal/transport"
	"meshrc/util"
)

// Config is everything a Session needs.
type Config struct {
	URL       string // ws(s)://host/<tools>/control.ashx
	User      string
	Password  string
	Token     string // sent as Authorization: Bearer
	Dialer    transport.Dialer
	TLSConfig *tls.Config
	Timeout   time.Duration // per request; 0 → 15s
	Logger    *util.Logger
}

// Cookies are the short-lived credentials for one tunnel.
type Cookies struct {
	AuthCookie  string // ?auth= on the relay URL
	RelayCookie string // rauth= in the pairing value
}

// Pairing announces a pending tunnel to the server.
type Pairing struct {
	NodeID      string
	RelayID     string
	RelayCookie string
	Protocol    int // 1 shell, 2 desktop
}

// Value is the relay path the agent is told to connect to.
func (p Pairing) Value() string {
	v := "*/meshrelay.ashx?p=" + strconv.Itoa(p.Protocol) +
		"&nodeid=" + url.QueryEscape(p.NodeID) +
		"&id=" + url.QueryEscape(p.RelayID)
	if p.RelayCookie != "" {
		v += "&rauth=" + url.QueryEscape(p.RelayCookie)
	}
	return v
}

// message is the subset of server messages we act on.
type message struct {
	Action  string `json:"action"`
	Cause   string `json:"cause,omitempty"`
	Msg     string `json:"msg,omitempty"`
	Cookie  string `json:"cookie,omitempty"`
	RCookie string `json:"rcookie,omitempty"`
}

// request is what we send.
type request struct {
	Action string `json:"action"`
	Type   string `json:"type,omitempty"`
	NodeID string `json:"nodeid,omitempty"`
	Value  string `json:"value,omitempty"`
	Usage  int    `json:"usage,omitempty"`
}

// conn is one control websocket and its reader.
type conn struct {
	ws    *websocket.Conn
	inbox chan message
}

// Session is a control-plane session.  Methods are safe for concurrent
// use; requests are serialised.
type Session struct {
	cfg Config
	log *util.Logger

	reqMu sync.Mutex // one request/response exchange at a time
	mu    sync.Mutex
	c     *conn
}

// New creates a closed Session.
func New(cfg Config) *Session {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = util.NewLogger(0)
		log.SetOutput(io.Discard)
	}
	return &Session{cfg: cfg, log: log.Named("control")}
}

// OpenSession connects to the control endpoint if not already
// connected.  A rejected login is an *rcerr.AuthError.
func (s *Session) OpenSession(ctx context.Context) error {
	_, err := s.open(ctx)
	return err
}

func (s *Session) open(ctx context.Context) (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return s.c, nil
	}

	d := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.cfg.Timeout,
		TLSClientConfig:  s.cfg.TLSConfig,
	}
	if s.cfg.Dialer != nil {
		d.NetDialContext = s.cfg.Dialer.Dial
	}

	s.log.Verbose("connecting to %s", s.cfg.URL)
	ws, resp, err := d.DialContext(ctx, s.cfg.URL, s.header())
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &rcerr.AuthError{Op: "login", Server: s.cfg.URL, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
		}
		return nil, &rcerr.TransportError{Op: "control dial", URL: s.cfg.URL, Err: err}
	}

	c := &conn{ws: ws, inbox: make(chan message, 64)}
	go s.readLoop(c)
	s.c = c
	return c, nil
}

func (s *Session) header() http.Header {
	h := http.Header{}
	if s.cfg.User != "" {
		h.Set("x-meshauth", base64.StdEncoding.EncodeToString([]byte(s.cfg.User))+","+
			base64.StdEncoding.EncodeToString([]byte(s.cfg.Password)))
	}
	if s.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	return h
}

func (s *Session) readLoop(c *conn) {
	defer close(c.inbox)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			s.log.Debug("read: %v", err)
			s.forget(c)
			return
		}
		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		// The server pushes many unsolicited updates; keep only replies.
		if m.Action != "authcookie" && m.Action != "close" {
			continue
		}
		select {
		case c.inbox <- m:
		default:
		}
	}
}

// forget drops c if it is still the current connection, so the next
// call reconnects.
func (s *Session) forget(c *conn) {
	s.mu.Lock()
	if s.c == c {
		s.c = nil
	}
	s.mu.Unlock()
}

// AcquireCookies asks the server for an auth cookie and a relay cookie.
func (s *Session) AcquireCookies(ctx context.Context) (Cookies, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	c, err := s.open(ctx)
	if err != nil {
		return Cookies{}, err
	}
	if err := s.send(c, request{Action: "authcookie"}); err != nil {
		return Cookies{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	for {
		select {
		case m, ok := <-c.inbox:
			if !ok {
				return Cookies{}, &rcerr.TransportError{Op: "authcookie", URL: s.cfg.URL, Err: rcerr.ErrTransportClosed}
			}
			switch {
			case m.Action == "close" && m.Cause == "noauth":
				s.Close()
				return Cookies{}, &rcerr.AuthError{Op: "authcookie", Server: s.cfg.URL, Err: fmt.Errorf("server refused credentials")}
			case m.Action == "authcookie":
				if m.Cookie == "" {
					return Cookies{}, &rcerr.AuthError{Op: "authcookie", Server: s.cfg.URL, Err: fmt.Errorf("empty cookie")}
				}
				s.log.Debug("cookies acquired")
				return Cookies{AuthCookie: m.Cookie, RelayCookie: m.RCookie}, nil
			}
		case <-ctx.Done():
			return Cookies{}, &rcerr.TransportError{Op: "authcookie", URL: s.cfg.URL, Err: rcerr.ErrTimeout}
		}
	}
}

// RegisterPairing tells the server to send the agent to our relay id.
// The server does not acknowledge it.
func (s *Session) RegisterPairing(ctx context.Context, p Pairing) error {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	c, err := s.open(ctx)
	if err != nil {
		return &rcerr.PairingError{NodeID: p.NodeID, RelayID: p.RelayID, Err: err}
	}
	err = s.send(c, request{
		Action: "msg",
		Type:   "tunnel",
		NodeID: p.NodeID,
		Value:  p.Value(),
		Usage:  p.Protocol,
	})
	if err != nil {
		return &rcerr.PairingError{NodeID: p.NodeID, RelayID: p.RelayID, Err: err}
	}
	s.log.Verbose("pairing registered for %s", p.NodeID)
	return nil
}

func (s *Session) send(c *conn, r request) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		s.forget(c)
		c.ws.Close()
		return &rcerr.TransportError{Op: r.Action, URL: s.cfg.URL, Err: err}
	}
	return nil
}

// Close ends the session.  It is idempotent; a later request reopens.
func (s *Session) Close() error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
