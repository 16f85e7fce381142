package controller

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	ncerr "ctrlport/internal/errors"
	"ctrlport/internal/metrics"
)

// outputBuffer collects a session's output as it arrives.  Writers are
// the transport's copy goroutines; readers wait on notify for new data
// and on done for the end of the stream.
type outputBuffer struct {
	mu     sync.Mutex
	data   []byte
	notify chan struct{}
	done   chan struct{}
	once   sync.Once

	metrics *metrics.Collector
}

func newOutputBuffer(m *metrics.Collector) *outputBuffer {
	return &outputBuffer{
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		metrics: m,
	}
}

// Write appends p and wakes one waiting reader.
func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()

	b.metrics.BytesReceived(int64(len(p)))
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

// finish marks the end of the stream.
func (b *outputBuffer) finish() {
	b.once.Do(func() { close(b.done) })
}

func (b *outputBuffer) take() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.data
	b.data = nil
	return out
}

func (b *outputBuffer) takeUntil(delim []byte) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := bytes.Index(b.data, delim)
	if i < 0 {
		return nil, false
	}
	end := i + len(delim)
	out := append([]byte(nil), b.data[:end]...)
	b.data = append([]byte(nil), b.data[end:]...)
	return out, true
}

func (b *outputBuffer) read(timeout time.Duration) []byte {
	if out := b.take(); len(out) > 0 || timeout <= 0 {
		return out
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-b.notify:
			if out := b.take(); len(out) > 0 {
				return out
			}
		case <-b.done:
			return b.take()
		case <-timer.C:
			return b.take()
		}
	}
}

func (b *outputBuffer) readUntil(delim []byte, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if out, ok := b.takeUntil(delim); ok {
			return out, nil
		}
		select {
		case <-b.notify:
		case <-b.done:
			if out, ok := b.takeUntil(delim); ok {
				return out, nil
			}
			return b.take(), fmt.Errorf("waiting for %q: %w", delim, ncerr.ErrSessionClosed)
		case <-timer.C:
			return b.take(), fmt.Errorf("waiting for %q: %w", delim, ncerr.ErrTimeout)
		}
	}
}

// shellSession is the Session shared by every transport: the transport
// supplies the command's stdin, feeds its output into out and provides
// stop to tear the command down.
type shellSession struct {
	command string
	stdin   io.WriteCloser
	out     *outputBuffer
	stop    func() error

	broken    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	metrics *metrics.Collector
}

func (s *shellSession) Write(data []byte) error {
	if s.broken.Load() {
		return fmt.Errorf("write to %q: %w", s.command, ncerr.ErrSessionClosed)
	}
	select {
	case <-s.out.done:
		s.broken.Store(true)
		return fmt.Errorf("write to %q: command exited: %w", s.command, ncerr.ErrSessionClosed)
	default:
	}

	n, err := s.stdin.Write(data)
	s.metrics.BytesSent(int64(n))
	if err != nil {
		s.broken.Store(true)
		return fmt.Errorf("write to %q: %w: %w", s.command, ncerr.ErrSessionClosed, err)
	}
	return nil
}

func (s *shellSession) Read(timeout time.Duration) []byte {
	return s.out.read(timeout)
}

func (s *shellSession) ReadUntil(delim []byte, timeout time.Duration) ([]byte, error) {
	return s.out.readUntil(delim, timeout)
}

func (s *shellSession) Done() <-chan struct{} { return s.out.done }

func (s *shellSession) Close() error {
	s.closeOnce.Do(func() {
		s.broken.Store(true)
		s.stdin.Close()
		s.closeErr = s.stop()
	})
	return s.closeErr
}
