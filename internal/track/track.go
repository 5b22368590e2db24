// Package track turns a capture source into a stream of timestamped frames
// ready for encoding.
package track

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"deskcast/internal/types"
)

var (
	// ErrNoFrame is returned when the track stops before any frame arrived.
	ErrNoFrame = errors.New("track: no frame available")
	ErrStopped = errors.New("track: stopped")
)

const (
	pollInterval = time.Millisecond
	minWidth     = 160
	minHeight    = 120
	outerRadius  = 7
	innerRadius  = 5
)

var (
	cursorOuter = color.RGBA{0, 0, 0, 255}
	cursorInner = color.RGBA{255, 0, 0, 255}
)

// Pointer reports the pointer position in desktop coordinates.
type Pointer interface {
	Location() (x, y int)
}

// Source is the capture side of a track.
type Source interface {
	Latest() *types.Frame
	Done() <-chan struct{}
	Stop() error
}

// Delivery is one processed frame.
type Delivery struct {
	Frame *types.Frame
	// PTS is the time since the track was created, in whole milliseconds.
	PTS time.Duration
}

type Track struct {
	source  Source
	pointer Pointer
	monitor types.Monitor
	start   time.Time

	scale      atomic.Uint64 // math.Float64bits
	showCursor atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	stopErr  error
	served   atomic.Bool
}

func New(src Source, ptr Pointer, m types.Monitor, scale float64, showCursor bool) *Track {
	t := &Track{
		source:  src,
		pointer: ptr,
		monitor: m,
		start:   time.Now(),
		stop:    make(chan struct{}),
	}
	t.SetScale(scale)
	t.showCursor.Store(showCursor)
	return t
}

func (t *Track) Monitor() types.Monitor { return t.monitor }

func (t *Track) Scale() float64 { return math.Float64frombits(t.scale.Load()) }

// SetScale clamps s to [0.1, 1.0]; it takes effect on the next frame.
func (t *Track) SetScale(s float64) {
	if math.IsNaN(s) {
		s = 1.0
	}
	s = min(max(s, 0.1), 1.0)
	t.scale.Store(math.Float64bits(s))
}

func (t *Track) ShowCursor() bool { return t.showCursor.Load() }

func (t *Track) SetShowCursor(b bool) { t.showCursor.Store(b) }

// Next waits for a frame and returns a processed copy of it.
func (t *Track) Next(ctx context.Context) (Delivery, error) {
	var f *types.Frame
	for {
		select {
		case <-t.stop:
			return Delivery{}, t.noFrame(ErrStopped)
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		default:
		}
		if f = t.source.Latest(); f != nil {
			break
		}
		select {
		case <-t.source.Done():
			return Delivery{}, ErrNoFrame
		case <-t.stop:
			return Delivery{}, t.noFrame(ErrStopped)
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}

	out := f.Clone()
	if t.showCursor.Load() && t.pointer != nil {
		px, py := t.pointer.Location()
		drawCursor(out.Image, px-f.Origin.X, py-f.Origin.Y)
	}
	if s := t.Scale(); s < 0.99 {
		out.Image = scale(out.Image, s)
	}

	pts := time.Since(t.start).Truncate(time.Millisecond)
	t.served.Store(true)
	return Delivery{Frame: out, PTS: pts}, nil
}

func (t *Track) noFrame(err error) error {
	if !t.served.Load() {
		return ErrNoFrame
	}
	return err
}

// Stop stops the owned source and waits for its capture goroutine.
func (t *Track) Stop() error {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.stopErr = t.source.Stop()
	})
	return t.stopErr
}

// ScaledSize returns the delivered frame size for a w x h source at scale s.
func ScaledSize(w, h int, s float64) (int, int) {
	if s >= 0.99 {
		return w, h
	}
	return max(minWidth, int(float64(w)*s)), max(minHeight, int(float64(h)*s))
}

func scale(src *image.RGBA, s float64) *image.RGBA {
	w, h := ScaledSize(src.Rect.Dx(), src.Rect.Dy(), s)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Rect, src, src.Rect, draw.Src, nil)
	return dst
}

func drawCursor(img *image.RGBA, cx, cy int) {
	fillCircle(img, cx, cy, outerRadius, cursorOuter)
	fillCircle(img, cx, cy, innerRadius, cursorInner)
}

func fillCircle(img *image.RGBA, cx, cy, r int, c color.RGBA) {
	b := img.Rect
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy > r*r {
				continue
			}
			p := image.Pt(cx+dx, cy+dy)
			if p.In(b) {
				img.SetRGBA(p.X, p.Y, c)
			}
		}
	}
}
