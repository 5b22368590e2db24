// Package input applies viewer pointer and keyboard events to the host.
package input

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"deskcast/internal/monitor"
	"deskcast/internal/types"
)

// Event types accepted on the control channel.
const (
	TypeMouseMove   = "mouse_move"
	TypeMouseDown   = "mouse_down"
	TypeMouseUp     = "mouse_up"
	TypeMouseClick  = "mouse_click"
	TypeMouseScroll = "mouse_scroll"
	TypeKeyDown     = "key_down"
	TypeKeyUp       = "key_up"
)

// Injector performs host input. Scroll amounts are wheel steps, positive
// meaning up (dy) or right (dx).
type Injector interface {
	Move(x, y int) error
	Button(button string, down bool) error
	Click(button string, double bool) error
	Scroll(dx, dy int) error
	Key(key string, down bool) error
	ScreenSize() (width, height int)
}

// RegionSource returns the active input region, or nil.
type RegionSource interface {
	ActiveRegion() *monitor.Region
}

type Remoter struct {
	injector      Injector
	regions       RegionSource
	scrollDivisor float64
	log           *slog.Logger

	mu sync.Mutex
}

func NewRemoter(inj Injector, regions RegionSource, scrollDivisor float64, logger *slog.Logger) *Remoter {
	if scrollDivisor == 0 {
		scrollDivisor = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Remoter{
		injector:      inj,
		regions:       regions,
		scrollDivisor: scrollDivisor,
		log:           logger,
	}
}

// HandleJSON decodes and applies one control message. Failures are logged
// and dropped.
func (r *Remoter) HandleJSON(data []byte) {
	var ev types.InputEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		r.log.Debug("input: malformed event", "err", err)
		return
	}
	if err := r.Handle(ev); err != nil {
		r.log.Debug("input: event dropped", "type", ev.Type, "err", err)
	}
}

// Handle applies one event. Injector panics are recovered and returned as
// errors.
func (r *Remoter) Handle(ev types.InputEvent) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("injector panic: %v", p)
		}
	}()

	switch ev.Type {
	case TypeMouseMove:
		x, y := r.Map(ev.XPct, ev.YPct)
		return r.injector.Move(x, y)
	case TypeMouseDown:
		return r.injector.Button(button(ev.Button), true)
	case TypeMouseUp:
		return r.injector.Button(button(ev.Button), false)
	case TypeMouseClick:
		return r.injector.Click(button(ev.Button), ev.Double)
	case TypeMouseScroll:
		dx, dy := r.ScrollSteps(ev.DeltaX, ev.DeltaY)
		if dx == 0 && dy == 0 {
			return nil
		}
		return r.injector.Scroll(dx, dy)
	case TypeKeyDown, TypeKeyUp:
		key, ok := NormalizeKey(ev.Key)
		if !ok {
			return fmt.Errorf("unmapped key %q", ev.Key)
		}
		return r.injector.Key(key, ev.Type == TypeKeyDown)
	case "":
		return fmt.Errorf("missing event type")
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// Map converts viewer fractions to desktop coordinates. With an active
// region the point lands inside it; otherwise the whole desktop is used.
func (r *Remoter) Map(xPct, yPct float64) (int, int) {
	xPct, yPct = clampUnit(xPct), clampUnit(yPct)
	if reg := r.regionOrNil(); reg != nil {
		x := reg.Left + int(xPct*float64(reg.Width))
		y := reg.Top + int(yPct*float64(reg.Height))
		return clamp(x, reg.Left, reg.Right-1), clamp(y, reg.Top, reg.Bottom-1)
	}
	w, h := r.injector.ScreenSize()
	x := int(xPct * float64(w))
	y := int(yPct * float64(h))
	return clamp(x, 0, w-1), clamp(y, 0, h-1)
}

// ScrollSteps converts browser wheel deltas to inverted wheel steps.
func (r *Remoter) ScrollSteps(deltaX, deltaY float64) (int, int) {
	return -int(math.Trunc(deltaX / r.scrollDivisor)), -int(math.Trunc(deltaY / r.scrollDivisor))
}

func (r *Remoter) regionOrNil() *monitor.Region {
	if r.regions == nil {
		return nil
	}
	return r.regions.ActiveRegion()
}

func button(b string) string {
	switch b {
	case "right", "middle":
		return b
	}
	return "left"
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return min(max(v, 0), 1)
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	return min(max(v, lo), hi)
}
