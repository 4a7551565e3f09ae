package adapter

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// MaxRecordSize bounds a single recorded frame.  Larger frames are
// refused when recording and treated as corruption when reading.
const MaxRecordSize = 64 << 20

// Recorder is a Decoder that appends every frame to a file as a 4-byte
// big-endian length followed by the frame bytes.
type Recorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	c      io.Closer
	frames int64
}

// NewRecorder writes records to w.  If w is an io.Closer, Close closes
// it.
func NewRecorder(w io.Writer) *Recorder {
	r := &Recorder{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		r.c = c
	}
	return r
}

// CreateRecorder creates (or truncates) path and records into it.
func CreateRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("record: %w", err)
	}
	return NewRecorder(f), nil
}

// Decode records one frame.
func (r *Recorder) Decode(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return errors.New("record: closed")
	}
	if len(frame) > MaxRecordSize {
		return fmt.Errorf("record: frame of %d bytes exceeds %d", len(frame), MaxRecordSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := r.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := r.w.Write(frame); err != nil {
		return err
	}
	r.frames++
	return nil
}

// Frames returns the number of frames recorded.
func (r *Recorder) Frames() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Close flushes and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return nil
	}
	err := r.w.Flush()
	r.w = nil
	if r.c != nil {
		if cerr := r.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ReadRecords calls fn for every record in r until EOF.
func ReadRecords(r io.Reader, fn func(frame []byte) error) error {
	br := bufio.NewReader(r)
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("record header: %w", err)
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > MaxRecordSize {
			return fmt.Errorf("record header: length %d exceeds %d", n, MaxRecordSize)
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(br, frame); err != nil {
			return fmt.Errorf("record body: %w", err)
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
}
