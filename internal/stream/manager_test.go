package stream

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"deskcast/internal/capture"
	"deskcast/internal/monitor"
	"deskcast/internal/types"
)

type fakeMonitors struct{ mons []types.Monitor }

func (f *fakeMonitors) Get(id int) (types.Monitor, error) {
	if id < 0 || id >= len(f.mons) {
		return types.Monitor{}, fmt.Errorf("%w: %d", monitor.ErrUnknownMonitor, id)
	}
	return f.mons[id], nil
}

func (f *fakeMonitors) Primary() (types.Monitor, error) { return f.mons[0], nil }

type fakeGrabber struct {
	m        types.Monitor
	fail     *atomic.Bool
	hang     chan struct{}
	grabbing atomic.Bool
	closed   atomic.Bool
}

func (g *fakeGrabber) Grab() (*types.Frame, error) {
	g.grabbing.Store(true)
	if g.hang != nil {
		<-g.hang
	}
	if g.fail.Load() {
		return nil, errors.New("device lost")
	}
	return &types.Frame{Image: image.NewRGBA(image.Rect(0, 0, g.m.Width, g.m.Height))}, nil
}

func (g *fakeGrabber) Close() { g.closed.Store(true) }

// grabberPool records every grabber it opens and checks that at most one is
// open at a time.
type grabberPool struct {
	mu      sync.Mutex
	opened  []*fakeGrabber
	overlap bool
	failFor map[int]bool
	failAll bool
	// hang makes new grabbers block inside Grab until it is closed.
	hang     chan struct{}
	grabFail atomic.Bool
}

func (p *grabberPool) open(m types.Monitor) (capture.Grabber, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll || p.failFor[m.Index] {
		return nil, errors.New("device busy")
	}
	for _, g := range p.opened {
		if !g.closed.Load() {
			p.overlap = true
		}
	}
	g := &fakeGrabber{m: m, fail: &p.grabFail, hang: p.hang}
	p.opened = append(p.opened, g)
	return g, nil
}

func (p *grabberPool) live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, g := range p.opened {
		if !g.closed.Load() {
			n++
		}
	}
	return n
}

type fakeEncoder struct{ w, h int }

func (e *fakeEncoder) Encode(f *types.Frame) (*types.EncodedFrame, error) {
	return &types.EncodedFrame{Data: []byte{byte(f.Width()), byte(f.Height())}}, nil
}

func (e *fakeEncoder) Close() {}

type fakeSink struct {
	mu      sync.Mutex
	samples []media.Sample
}

func (s *fakeSink) WriteSample(sample media.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

type fakeSession struct {
	id     string
	closed atomic.Bool
}

func (s *fakeSession) ID() string { return s.id }
func (s *fakeSession) Close()     { s.closed.Store(true) }

func newTestManager(pool *grabberPool, sink *fakeSink) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mons := &fakeMonitors{mons: []types.Monitor{
		{Index: 0, Width: 320, Height: 240, Primary: true},
		{Index: 1, X: 320, Width: 200, Height: 160},
		{Index: 2, X: 520, Width: 160, Height: 120},
	}}
	return NewManager(mons, Options{
		Grabbers: pool.open,
		Encoders: func(w, h int) (types.VideoEncoder, error) { return &fakeEncoder{w, h}, nil },
		Sink:     sink,
		Capture: capture.Options{
			FPS:         200,
			StopTimeout: time.Second,
			Logger:      logger,
		},
		FPS:         100,
		SettleDelay: 5 * time.Millisecond,
		Scale:       1.0,
		Logger:      logger,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestEnsureStartsTarget(t *testing.T) {
	pool := &grabberPool{}
	sink := &fakeSink{}
	m := newTestManager(pool, sink)
	defer m.Close()

	if st := m.Status(); st.State != "idle" {
		t.Fatalf("initial state = %q", st.State)
	}
	if err := m.EnsureCurrent(context.Background()); err != nil {
		t.Fatal(err)
	}
	cur, ok := m.Current()
	if !ok || cur.Index != 0 {
		t.Fatalf("Current() = %v, %v; want monitor 0", cur.Index, ok)
	}
	waitFor(t, func() bool { return sink.count() > 2 })

	if err := m.Ensure(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if got := m.Status().Switches; got != 0 {
		t.Errorf("Switches = %d after same-monitor Ensure", got)
	}
	if len(pool.opened) != 1 {
		t.Errorf("opened %d grabbers, want 1", len(pool.opened))
	}
}

func TestSwitchReleasesOldTarget(t *testing.T) {
	pool := &grabberPool{}
	sink := &fakeSink{}
	m := newTestManager(pool, sink)
	defer m.Close()

	for _, s := range []string{"a", "b", "c"} {
		m.AddSession(&fakeSession{id: s})
	}
	if err := m.Ensure(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Ensure(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if err := m.Ensure(context.Background(), 2); err != nil {
		t.Fatal(err)
	}

	if pool.overlap {
		t.Error("a grabber was opened while the previous one was still live")
	}
	if n := pool.live(); n != 1 {
		t.Errorf("live grabbers = %d, want 1", n)
	}
	st := m.Status()
	if st.State != "active" || st.Monitor == nil || st.Monitor.Index != 2 {
		t.Errorf("status = %+v", st)
	}
	if st.Switches != 2 {
		t.Errorf("Switches = %d, want 2", st.Switches)
	}
	if st.Sessions != 3 {
		t.Errorf("Sessions = %d, want 3", st.Sessions)
	}
}

func TestConcurrentEnsureSwitchesOnce(t *testing.T) {
	pool := &grabberPool{}
	m := newTestManager(pool, &fakeSink{})
	defer m.Close()

	if err := m.Ensure(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Ensure(context.Background(), 1)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if got := m.Status().Switches; got != 1 {
		t.Errorf("Switches = %d, want 1", got)
	}
	if len(pool.opened) != 2 {
		t.Errorf("opened %d grabbers, want 2", len(pool.opened))
	}
}

func TestSwitchFailureRestoresPrevious(t *testing.T) {
	pool := &grabberPool{failFor: map[int]bool{1: true}}
	m := newTestManager(pool, &fakeSink{})
	defer m.Close()

	if err := m.Ensure(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	err := m.Ensure(context.Background(), 1)
	if !errors.Is(err, ErrSwitchFailed) {
		t.Fatalf("Ensure error = %v, want ErrSwitchFailed", err)
	}
	cur, ok := m.Current()
	if !ok || cur.Index != 0 {
		t.Errorf("Current() = %d, %v; want monitor 0 restored", cur.Index, ok)
	}
	if n := pool.live(); n != 1 {
		t.Errorf("live grabbers = %d, want 1", n)
	}
}

func TestSwitchFailureGoesIdle(t *testing.T) {
	pool := &grabberPool{}
	m := newTestManager(pool, &fakeSink{})
	defer m.Close()

	if err := m.Ensure(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	pool.mu.Lock()
	pool.failAll = true
	pool.mu.Unlock()

	if err := m.Ensure(context.Background(), 1); !errors.Is(err, ErrSwitchFailed) {
		t.Fatalf("Ensure error = %v, want ErrSwitchFailed", err)
	}
	if st := m.Status(); st.State != "idle" {
		t.Errorf("state = %q, want idle", st.State)
	}
	if n := pool.live(); n != 0 {
		t.Errorf("live grabbers = %d, want 0", n)
	}
}

func TestEnsureUnknownMonitor(t *testing.T) {
	m := newTestManager(&grabberPool{}, &fakeSink{})
	defer m.Close()
	err := m.Ensure(context.Background(), 7)
	if !errors.Is(err, ErrSwitchFailed) || !errors.Is(err, monitor.ErrUnknownMonitor) {
		t.Fatalf("Ensure(7) = %v", err)
	}
}

func TestSwitchCancelledDuringSettle(t *testing.T) {
	pool := &grabberPool{}
	m := newTestManager(pool, &fakeSink{})
	m.opts.SettleDelay = time.Second
	defer m.Close()

	if err := m.Ensure(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.Ensure(ctx, 1); !errors.Is(err, ErrSwitchFailed) {
		t.Fatalf("Ensure error = %v, want ErrSwitchFailed", err)
	}
	if cur, ok := m.Current(); !ok || cur.Index != 0 {
		t.Errorf("Current() = %d, %v; want 0", cur.Index, ok)
	}
}

func TestScaleAndCursor(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(&grabberPool{}, sink)
	defer m.Close()

	if err := m.SetScale(0.5); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("SetScale while idle = %v, want ErrNoTarget", err)
	}
	if err := m.SetShowCursor(false); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("SetShowCursor while idle = %v, want ErrNoTarget", err)
	}
	if err := m.Ensure(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if err := m.SetScale(0.05); err != nil {
		t.Fatal(err)
	}
	if err := m.SetShowCursor(false); err != nil {
		t.Fatal(err)
	}
	st := m.Status()
	if st.Scale != 0.1 || st.ShowCursor {
		t.Errorf("status scale=%g cursor=%v", st.Scale, st.ShowCursor)
	}

	// 320x240 at 0.1 is clamped to the 160x120 minimum.
	waitFor(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		n := len(sink.samples)
		return n > 0 && sink.samples[n-1].Data[0] == 160 && sink.samples[n-1].Data[1] == 120
	})

	// Preferences carry over to the next target.
	if err := m.Ensure(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if st := m.Status(); st.Scale != 0.1 || st.ShowCursor {
		t.Errorf("after switch scale=%g cursor=%v", st.Scale, st.ShowCursor)
	}
}

func TestLastSessionStopsTarget(t *testing.T) {
	pool := &grabberPool{}
	var mu sync.Mutex
	var viewers []bool
	m := newTestManager(pool, &fakeSink{})
	m.opts.OnViewers = func(active bool) {
		mu.Lock()
		viewers = append(viewers, active)
		mu.Unlock()
	}
	defer m.Close()

	a, b := &fakeSession{id: "a"}, &fakeSession{id: "b"}
	m.AddSession(a)
	m.AddSession(b)
	if err := m.EnsureCurrent(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.RemoveSession("a")
	if st := m.Status(); st.State != "active" {
		t.Fatalf("state after first removal = %q", st.State)
	}
	m.RemoveSession("a")
	m.RemoveSession("b")
	if st := m.Status(); st.State != "idle" {
		t.Fatalf("state after last removal = %q", st.State)
	}
	if n := pool.live(); n != 0 {
		t.Errorf("live grabbers = %d, want 0", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(viewers) != 2 || !viewers[0] || viewers[1] {
		t.Errorf("OnViewers calls = %v, want [true false]", viewers)
	}
}

func TestCloseClosesSessions(t *testing.T) {
	m := newTestManager(&grabberPool{}, &fakeSink{})
	a := &fakeSession{id: "a"}
	m.AddSession(a)
	if err := m.EnsureCurrent(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Close()
	if !a.closed.Load() {
		t.Error("session not closed")
	}
	if st := m.Status(); st.State != "idle" || st.Sessions != 0 {
		t.Errorf("status after Close = %+v", st)
	}
}

func TestSampleDurationsFollowPTS(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(&grabberPool{}, sink)
	defer m.Close()
	if err := m.EnsureCurrent(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sink.count() >= 5 })
	m.Stop()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, s := range sink.samples {
		if s.Duration < 0 {
			t.Errorf("sample %d has negative duration %v", i, s.Duration)
		}
	}
}

func TestLostTargetRebuiltOnDemand(t *testing.T) {
	pool := &grabberPool{}
	sink := &fakeSink{}
	m := newTestManager(pool, sink)
	m.opts.Capture.FailureLimit = 3
	defer m.Close()

	pool.grabFail.Store(true)
	if err := m.Ensure(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return m.Status().State == "unavailable" })
	if st := m.Status(); st.CaptureErr == "" {
		t.Errorf("status = %+v, want capture error", st)
	}

	pool.grabFail.Store(false)
	if err := m.Ensure(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	pool.mu.Lock()
	opened := len(pool.opened)
	pool.mu.Unlock()
	if opened != 2 {
		t.Fatalf("opened %d grabbers, want the lost one replaced", opened)
	}
	waitFor(t, func() bool { return sink.count() > 0 })
	st := m.Status()
	if st.State != "active" || st.CaptureErr != "" {
		t.Errorf("status after rebuild = %+v", st)
	}
	if pool.overlap {
		t.Error("replacement opened while the lost grabber was live")
	}
}

func TestLostTargetRebuiltByEnsureCurrent(t *testing.T) {
	pool := &grabberPool{}
	m := newTestManager(pool, &fakeSink{})
	m.opts.Capture.FailureLimit = 3
	defer m.Close()

	if err := m.Ensure(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	pool.grabFail.Store(true)
	waitFor(t, func() bool { return m.Status().State == "unavailable" })
	pool.grabFail.Store(false)

	if err := m.EnsureCurrent(context.Background()); err != nil {
		t.Fatal(err)
	}
	cur, ok := m.Current()
	if !ok || cur.Index != 1 {
		t.Errorf("Current() = %d, %v; want monitor 1 rebuilt", cur.Index, ok)
	}
	if st := m.Status(); st.State != "active" {
		t.Errorf("state = %q, want active", st.State)
	}
}

func TestSwitchWaitsForStuckCapture(t *testing.T) {
	pool := &grabberPool{hang: make(chan struct{})}
	m := newTestManager(pool, &fakeSink{})
	m.opts.Capture.StopTimeout = 30 * time.Millisecond
	defer m.Close()

	if err := m.Ensure(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	stuck := pool.hang
	pool.mu.Lock()
	first := pool.opened[0]
	pool.hang = nil
	pool.mu.Unlock()
	waitFor(t, first.grabbing.Load)

	if err := m.Ensure(context.Background(), 1); !errors.Is(err, ErrSwitchFailed) {
		t.Fatalf("Ensure error = %v, want ErrSwitchFailed", err)
	}
	if pool.overlap {
		t.Fatal("a grabber was opened while the stuck one was live")
	}
	if st := m.Status(); st.State != "idle" {
		t.Errorf("state = %q, want idle", st.State)
	}

	close(stuck)
	waitFor(t, func() bool { return pool.live() == 0 })
	if err := m.Ensure(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	if pool.overlap {
		t.Error("a grabber was opened while the stuck one was live")
	}
}
