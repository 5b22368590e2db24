// Package stream owns the single capture target shared by every viewer and
// moves it between monitors.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"deskcast/internal/capture"
	"deskcast/internal/track"
	"deskcast/internal/types"
)

var (
	ErrSwitchFailed     = errors.New("monitor switch failed")
	ErrNoTarget         = errors.New("no active capture target")
	ErrVideoUnavailable = errors.New("video unavailable")

	errCaptureBusy = errors.New("previous capture did not exit")
)

// VideoSink receives encoded samples. *webrtc.TrackLocalStaticSample
// satisfies it.
type VideoSink interface {
	WriteSample(s media.Sample) error
}

// Monitors resolves monitor ids.
type Monitors interface {
	Get(id int) (types.Monitor, error)
	Primary() (types.Monitor, error)
}

// Session is a viewer registered with the manager.
type Session interface {
	ID() string
	Close()
}

type Options struct {
	Grabbers capture.GrabberFactory
	Encoders types.EncoderFactory
	Pointer  track.Pointer
	Sink     VideoSink
	Capture  capture.Options

	// FPS paces the frame pump.
	FPS         int
	SettleDelay time.Duration
	Scale       float64
	ShowCursor  bool

	// OnViewers is called with true when the first session registers and
	// false after the last one leaves.
	OnViewers func(active bool)

	Logger *slog.Logger
}

type target struct {
	monitor types.Monitor
	source  *capture.Source
	track   *track.Track
	cancel  context.CancelFunc
	done    chan struct{}
}

// lost reports whether the capture goroutine gave up on its device.
func (t *target) lost() bool {
	return t.source.Err() != nil || closed(t.source.Done())
}

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

type Manager struct {
	opts     Options
	monitors Monitors
	log      *slog.Logger

	// mu serializes target transitions.
	mu         sync.Mutex
	cur        *target
	scale      float64
	showCursor bool
	switches   atomic.Int64

	sessMu   sync.Mutex
	sessions map[string]Session

	viewersMu     sync.Mutex
	viewersActive bool
}

func NewManager(monitors Monitors, opts Options) *Manager {
	if opts.FPS <= 0 {
		opts.FPS = 30
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Capture.Logger == nil {
		opts.Capture.Logger = opts.Logger
	}
	if opts.Scale == 0 {
		opts.Scale = 1.0
	}
	return &Manager{
		opts:       opts,
		monitors:   monitors,
		log:        opts.Logger,
		scale:      opts.Scale,
		showCursor: opts.ShowCursor,
		sessions:   make(map[string]Session),
	}
}

// Default returns the monitor used when no target exists yet.
func (m *Manager) Default() (types.Monitor, error) {
	return m.monitors.Primary()
}

// Ensure makes monitorID the captured monitor, switching away from the
// current one if needed.
func (m *Manager) Ensure(ctx context.Context, monitorID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mon, err := m.monitors.Get(monitorID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSwitchFailed, err)
	}
	return m.ensureLocked(ctx, mon)
}

// EnsureCurrent keeps the current target, or starts the default monitor
// when idle.
func (m *Manager) EnsureCurrent(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		if !m.cur.lost() {
			return nil
		}
		return m.ensureLocked(ctx, m.cur.monitor)
	}
	mon, err := m.Default()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVideoUnavailable, err)
	}
	return m.ensureLocked(ctx, mon)
}

func (m *Manager) ensureLocked(ctx context.Context, mon types.Monitor) error {
	if m.cur != nil && m.cur.lost() {
		m.log.Warn("capture target lost, rebuilding", "monitor", m.cur.monitor.Index, "err", m.cur.source.Err())
		released := m.stopLocked()
		if err := m.awaitReleased(ctx, released); err != nil {
			return fmt.Errorf("%w: %w", ErrVideoUnavailable, err)
		}
	}
	if m.cur == nil {
		t, err := m.startLocked(mon)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrVideoUnavailable, err)
		}
		m.cur = t
		return nil
	}
	if m.cur.monitor.Index == mon.Index {
		return nil
	}

	prev := m.cur.monitor
	m.log.Info("switching monitor", "from", prev.Index, "to", mon.Index)
	released := m.stopLocked()

	err := sleepCtx(ctx, m.opts.SettleDelay)
	if err == nil {
		err = m.awaitReleased(ctx, released)
	}
	var t *target
	if err == nil {
		t, err = m.startLocked(mon)
	}
	if err != nil {
		if !closed(released) {
			m.log.Error("monitor switch failed, previous capture still running", "monitor", prev.Index, "err", err)
		} else if rt, rerr := m.startLocked(prev); rerr == nil {
			m.cur = rt
			m.log.Warn("monitor switch failed, restored previous", "monitor", prev.Index, "err", err)
		} else {
			m.log.Error("monitor switch failed, capture idle", "err", err, "restore_err", rerr)
		}
		return fmt.Errorf("%w: monitor %d: %w", ErrSwitchFailed, mon.Index, err)
	}
	m.cur = t
	m.switches.Add(1)
	return nil
}

func (m *Manager) startLocked(mon types.Monitor) (*target, error) {
	if m.opts.Grabbers == nil {
		return nil, errors.New("no capture backend")
	}
	g, err := m.opts.Grabbers(mon)
	if err != nil {
		return nil, fmt.Errorf("open grabber: %w", err)
	}
	src := capture.NewSource(g, m.opts.Capture)
	if err := src.Start(mon); err != nil {
		src.Stop()
		return nil, fmt.Errorf("start capture: %w", err)
	}
	tr := track.New(src, m.opts.Pointer, mon, m.scale, m.showCursor)

	ctx, cancel := context.WithCancel(context.Background())
	t := &target{
		monitor: mon,
		source:  src,
		track:   tr,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go m.pump(ctx, t)
	m.log.Info("capture target active", "monitor", mon.Index, "width", mon.Width, "height", mon.Height)
	return t, nil
}

// stopLocked tears down the current pair: pump first, then the track and its
// capture goroutine. The returned channel is closed once the capture
// goroutine has exited, which may be later than stopLocked returns.
func (m *Manager) stopLocked() <-chan struct{} {
	t := m.cur
	if t == nil {
		return nil
	}
	m.cur = nil
	t.cancel()
	<-t.done
	if err := t.track.Stop(); err != nil {
		m.log.Warn("capture did not stop in time", "monitor", t.monitor.Index, "err", err)
	}
	m.log.Info("capture target stopped", "monitor", t.monitor.Index)
	return t.source.Done()
}

// awaitReleased waits up to the capture stop timeout for a stopped capture
// goroutine to exit. A new grabber is never opened while the old one is live.
func (m *Manager) awaitReleased(ctx context.Context, done <-chan struct{}) error {
	if done == nil || closed(done) {
		return nil
	}
	wait := m.opts.Capture.StopTimeout
	if wait <= 0 {
		wait = time.Second
	}
	m.log.Warn("waiting for previous capture to exit", "timeout", wait)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return errCaptureBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) SetScale(s float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ErrNoTarget
	}
	m.cur.track.SetScale(s)
	m.scale = m.cur.track.Scale()
	return nil
}

func (m *Manager) SetShowCursor(b bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ErrNoTarget
	}
	m.cur.track.SetShowCursor(b)
	m.showCursor = b
	return nil
}

// Stop returns the target to idle.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) AddSession(s Session) {
	m.sessMu.Lock()
	m.sessions[s.ID()] = s
	m.sessMu.Unlock()
	m.syncViewers()
}

// RemoveSession unregisters a session. When it was the last one the target
// goes idle.
func (m *Manager) RemoveSession(id string) {
	m.sessMu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.sessMu.Unlock()
	if !ok {
		return
	}

	m.mu.Lock()
	if m.SessionCount() == 0 && m.cur != nil {
		m.log.Info("last session left, stopping capture")
		m.stopLocked()
	}
	m.mu.Unlock()
	m.syncViewers()
}

func (m *Manager) Session(id string) (Session, bool) {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) Sessions() []Session {
	m.sessMu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.sessMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (m *Manager) SessionCount() int {
	m.sessMu.Lock()
	defer m.sessMu.Unlock()
	return len(m.sessions)
}

func (m *Manager) syncViewers() {
	m.viewersMu.Lock()
	defer m.viewersMu.Unlock()
	active := m.SessionCount() > 0
	if active == m.viewersActive {
		return
	}
	m.viewersActive = active
	if m.opts.OnViewers != nil {
		m.opts.OnViewers(active)
	}
}

type Status struct {
	State      string         `json:"state"`
	Monitor    *types.Monitor `json:"monitor,omitempty"`
	Scale      float64        `json:"scale"`
	ShowCursor bool           `json:"show_cursor"`
	Sessions   int            `json:"sessions"`
	Switches   int64          `json:"switches"`
	CaptureErr string         `json:"capture_error,omitempty"`
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		State:      "idle",
		Scale:      m.scale,
		ShowCursor: m.showCursor,
		Switches:   m.switches.Load(),
	}
	if m.cur != nil {
		mon := m.cur.monitor
		st.State = "active"
		if m.cur.lost() {
			st.State = "unavailable"
		}
		st.Monitor = &mon
		st.Scale = m.cur.track.Scale()
		st.ShowCursor = m.cur.track.ShowCursor()
		if err := m.cur.source.Err(); err != nil {
			st.CaptureErr = err.Error()
		}
	}
	m.mu.Unlock()
	st.Sessions = m.SessionCount()
	return st
}

// Current returns the captured monitor, if any.
func (m *Manager) Current() (types.Monitor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return types.Monitor{}, false
	}
	return m.cur.monitor, true
}

// Close closes every session and stops the target.
func (m *Manager) Close() {
	for _, s := range m.Sessions() {
		s.Close()
	}
	m.sessMu.Lock()
	clear(m.sessions)
	m.sessMu.Unlock()
	m.Stop()
	m.syncViewers()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
