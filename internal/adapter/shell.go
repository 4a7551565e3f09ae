package adapter

import (
	"context"
	"io"
	"sync"

	"meshrc/internal/session"
	"meshrc/tunnel"
	"meshrc/util"
)

// Shell is the interactive terminal adapter: remote output goes to a
// terminal sink and local keystrokes go out as data frames.
type Shell struct {
	in  io.Reader
	out io.Writer
	log *util.Logger

	mu           sync.Mutex
	sender       Sender
	cols, rows   int
	requireLogin bool
}

// NewShell creates a shell adapter.  cols and rows may be zero when the
// size is unknown.
func NewShell(in io.Reader, out io.Writer, cols, rows int, requireLogin bool, logger *util.Logger) *Shell {
	return &Shell{
		in:           in,
		out:          out,
		log:          logger.Named("shell"),
		cols:         cols,
		rows:         rows,
		requireLogin: requireLogin,
	}
}

func (s *Shell) Protocol() int { return 1 }

func (s *Shell) Options() *tunnel.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &tunnel.Options{Cols: s.cols, Rows: s.rows, RequireLogin: s.requireLogin}
}

func (s *Shell) Handlers() tunnel.Handlers {
	return tunnel.Handlers{
		OnData: s.write,
		OnStateChange: func(st session.State) {
			// The remote pty is created per connection, so size it
			// again every time the handshake completes.
			if st == session.StateConnected {
				s.sendSize()
			}
		},
	}
}

func (s *Shell) Attach(snd Sender) {
	s.mu.Lock()
	s.sender = snd
	s.mu.Unlock()
}

// Input sends local keystrokes.
func (s *Shell) Input(p []byte) {
	if snd := s.current(); snd != nil {
		snd.SendText(string(p))
	}
}

// Resize records the new terminal size and tells the remote side.
func (s *Shell) Resize(cols, rows int) {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	s.sendSize()
}

// Size returns the last known terminal size.
func (s *Shell) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols, s.rows
}

// Run pumps local input to the remote shell.
func (s *Shell) Run(ctx context.Context) error {
	if s.in == nil {
		<-ctx.Done()
		return nil
	}
	if err := util.Pump(ctx, s.in, s.Input); !util.IsHarmless(err) {
		return err
	}
	return nil
}

func (s *Shell) Close() error {
	s.Attach(nil)
	return nil
}

func (s *Shell) write(p []byte) {
	if _, err := s.out.Write(p); err != nil {
		s.log.Debug("terminal write: %v", err)
	}
}

func (s *Shell) sendSize() {
	s.mu.Lock()
	snd, cols, rows := s.sender, s.cols, s.rows
	s.mu.Unlock()
	if snd == nil || cols == 0 || rows == 0 {
		return
	}
	snd.SendCtrl(tunnel.ControlMessage{Type: tunnel.TypeTermSize, Cols: cols, Rows: rows})
}

func (s *Shell) current() Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender
}
