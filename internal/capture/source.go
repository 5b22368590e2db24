// Package capture grabs a monitor's pixels on a dedicated OS thread and
// keeps the most recent frame in a single slot.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"deskcast/internal/types"
)

var ErrStopTimeout = errors.New("capture: stop timed out")

// Grabber captures one monitor. Grab and Close are only called from the
// source's capture goroutine.
type Grabber interface {
	Grab() (*types.Frame, error)
	Close()
}

// GrabberFactory opens a grabber for the given monitor.
type GrabberFactory func(m types.Monitor) (Grabber, error)

type Options struct {
	FPS          int
	StopTimeout  time.Duration
	FailureLimit int
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.FPS <= 0 {
		o.FPS = 60
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = time.Second
	}
	if o.FailureLimit <= 0 {
		o.FailureLimit = 120
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Source runs a capture loop for one monitor.
type Source struct {
	grabber Grabber
	opts    Options
	monitor types.Monitor

	mu      sync.Mutex
	latest  *types.Frame
	stopped bool
	err     error

	started  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func NewSource(g Grabber, opts Options) *Source {
	opts.defaults()
	return &Source{
		grabber: g,
		opts:    opts,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the capture goroutine. It may be called once.
func (s *Source) Start(m types.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("capture: source already started")
	}
	if s.stopped {
		return errors.New("capture: source stopped")
	}
	s.started = true
	s.monitor = m
	go s.run()
	return nil
}

func (s *Source) Monitor() types.Monitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monitor
}

// Latest returns the most recent frame, or nil if none has been captured.
// The frame must not be modified.
func (s *Source) Latest() *types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Done is closed once the capture goroutine has exited.
func (s *Source) Done() <-chan struct{} { return s.done }

// Err reports why the loop gave up, if it did.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop ends the capture loop and waits for it to exit. No frame is
// published after Stop returns, even when the wait times out.
func (s *Source) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		started := s.started
		s.mu.Unlock()
		close(s.stop)
		if !started {
			s.grabber.Close()
			close(s.done)
		}
	})

	t := time.NewTimer(s.opts.StopTimeout)
	defer t.Stop()
	select {
	case <-s.done:
		return nil
	case <-t.C:
		return ErrStopTimeout
	}
}

func (s *Source) publish(f *types.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.latest = f
	return true
}

func (s *Source) fail(err error) {
	s.mu.Lock()
	s.latest = nil
	s.err = err
	s.mu.Unlock()
}

func (s *Source) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)
	defer s.grabber.Close()

	log := s.opts.Logger
	m := s.Monitor()
	log.Info("capture: started", "monitor", m.Index, "width", m.Width, "height", m.Height, "fps", s.opts.FPS)

	ticker := time.NewTicker(time.Second / time.Duration(s.opts.FPS))
	defer ticker.Stop()

	errLog := rate.Sometimes{First: 1, Interval: 5 * time.Second}
	failures := 0
	for {
		select {
		case <-s.stop:
			log.Info("capture: stopped", "monitor", m.Index)
			return
		case <-ticker.C:
		}

		frame, err := s.grabber.Grab()
		if err != nil {
			failures++
			errLog.Do(func() {
				log.Warn("capture: grab failed", "monitor", m.Index, "consecutive", failures, "err", err)
			})
			if failures >= s.opts.FailureLimit {
				s.fail(fmt.Errorf("capture: %d consecutive grab failures: %w", failures, err))
				log.Error("capture: giving up", "monitor", m.Index, "err", err)
				return
			}
			continue
		}
		failures = 0
		frame.Origin.X, frame.Origin.Y = m.X, m.Y
		if frame.CapturedAt.IsZero() {
			frame.CapturedAt = time.Now()
		}
		if !s.publish(frame) {
			return
		}
	}
}
