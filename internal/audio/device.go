package audio

import (
	"errors"
	"sync"
	"time"
)

var errReadTimeout = errors.New("audio read timed out")

// Device is an open capture device.
type Device interface {
	SampleRate() int
	Channels() int
	Format() SampleFormat
	// Read blocks until frames frames are available and returns them as raw
	// interleaved bytes.
	Read(frames int) ([]byte, error)
	Close() error
}

// Opener resolves and opens the device for a role.
type Opener interface {
	Open(role Role) (Device, error)
}

type OpenerFunc func(role Role) (Device, error)

func (f OpenerFunc) Open(role Role) (Device, error) { return f(role) }

// pcmCollector buffers PCM pushed by a backend callback until the capture
// loop reads it. The oldest bytes are discarded beyond max.
type pcmCollector struct {
	mu     sync.Mutex
	buf    []byte
	max    int
	notify chan struct{}
	closed bool
}

func newPCMCollector(max int) *pcmCollector {
	return &pcmCollector{max: max, notify: make(chan struct{}, 1)}
}

func (p *pcmCollector) Write(data []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errors.New("collector closed")
	}
	p.buf = append(p.buf, data...)
	if over := len(p.buf) - p.max; over > 0 {
		p.buf = append(p.buf[:0], p.buf[over:]...)
	}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return len(data), nil
}

// read waits up to timeout for n bytes.
func (p *pcmCollector) read(n int, timeout time.Duration) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New("device closed")
		}
		if len(p.buf) >= n {
			out := make([]byte, n)
			copy(out, p.buf)
			p.buf = append(p.buf[:0], p.buf[n:]...)
			p.mu.Unlock()
			return out, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-t.C:
			return nil, errReadTimeout
		}
	}
}

func (p *pcmCollector) close() {
	p.mu.Lock()
	p.closed = true
	p.buf = nil
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}
