// Package monitor enumerates displays and holds the active input region.
package monitor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"deskcast/internal/types"
)

var ErrUnknownMonitor = errors.New("unknown monitor")

// Backend reports the host's display layout.
type Backend interface {
	// Displays returns the bounds of every display, in desktop coordinates.
	Displays() []types.Monitor
	// ScreenSize returns the size of the whole virtual desktop.
	ScreenSize() (width, height int)
}

// Region is the rectangle pointer input is mapped into.
type Region struct {
	Monitor int `json:"monitor_id"`
	Left    int `json:"left"`
	Top     int `json:"top"`
	Width   int `json:"width"`
	Height  int `json:"height"`
	Right   int `json:"right"`
	Bottom  int `json:"bottom"`
}

func NewRegion(m types.Monitor) *Region {
	return &Region{
		Monitor: m.Index,
		Left:    m.X,
		Top:     m.Y,
		Width:   m.Width,
		Height:  m.Height,
		Right:   m.X + m.Width,
		Bottom:  m.Y + m.Height,
	}
}

type Registry struct {
	backend Backend
	region  atomic.Pointer[Region]
	logger  *slog.Logger
}

// NewRegistry creates a registry and points the active region at the primary
// monitor.
func NewRegistry(backend Backend, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{backend: backend, logger: logger}
	if m, err := r.Primary(); err == nil {
		r.region.Store(NewRegion(m))
	}
	return r
}

// List re-enumerates displays. When the backend reports none, a single
// monitor covering the screen is returned.
func (r *Registry) List() []types.Monitor {
	mons := r.backend.Displays()
	if len(mons) == 0 {
		w, h := r.backend.ScreenSize()
		if w <= 0 || h <= 0 {
			return nil
		}
		return []types.Monitor{{
			Index:   0,
			Name:    "Screen",
			Width:   w,
			Height:  h,
			Primary: true,
		}}
	}
	out := make([]types.Monitor, len(mons))
	copy(out, mons)
	hasPrimary := false
	for i := range out {
		out[i].Index = i
		if out[i].Name == "" {
			out[i].Name = fmt.Sprintf("Monitor %d", i+1)
		}
		if out[i].X == 0 && out[i].Y == 0 && !hasPrimary {
			out[i].Primary = true
			hasPrimary = true
		} else {
			out[i].Primary = false
		}
	}
	if !hasPrimary {
		out[0].Primary = true
	}
	return out
}

func (r *Registry) Get(id int) (types.Monitor, error) {
	mons := r.List()
	if id < 0 || id >= len(mons) {
		return types.Monitor{}, fmt.Errorf("%w: %d", ErrUnknownMonitor, id)
	}
	return mons[id], nil
}

// Primary returns the monitor at the desktop origin, else the first one.
func (r *Registry) Primary() (types.Monitor, error) {
	mons := r.List()
	if len(mons) == 0 {
		return types.Monitor{}, fmt.Errorf("%w: no displays", ErrUnknownMonitor)
	}
	for _, m := range mons {
		if m.Primary {
			return m, nil
		}
	}
	return mons[0], nil
}

// SetActiveRegion replaces the input region with monitor id's bounds. On
// error the previous region stays in effect.
func (r *Registry) SetActiveRegion(id int) (*Region, error) {
	m, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	reg := NewRegion(m)
	r.region.Store(reg)
	r.logger.Info("input region set", "monitor", id,
		"left", reg.Left, "top", reg.Top, "width", reg.Width, "height", reg.Height)
	return reg, nil
}

// ActiveRegion returns the current input region, or nil if none was set.
func (r *Registry) ActiveRegion() *Region {
	return r.region.Load()
}

func (r *Registry) ScreenSize() (int, int) {
	return r.backend.ScreenSize()
}
