package input

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"deskcast/internal/monitor"
	"deskcast/internal/types"
)

type recorder struct {
	calls []string
	w, h  int
	fail  error
	panic bool
}

func (r *recorder) record(format string, args ...any) error {
	if r.panic {
		panic("backend exploded")
	}
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	return r.fail
}

func (r *recorder) Move(x, y int) error { return r.record("move %d %d", x, y) }
func (r *recorder) Button(b string, down bool) error {
	return r.record("button %s %v", b, down)
}
func (r *recorder) Click(b string, double bool) error {
	return r.record("click %s %v", b, double)
}
func (r *recorder) Scroll(dx, dy int) error { return r.record("scroll %d %d", dx, dy) }
func (r *recorder) Key(k string, down bool) error {
	return r.record("key %s %v", k, down)
}
func (r *recorder) ScreenSize() (int, int) { return r.w, r.h }

func (r *recorder) last() string {
	if len(r.calls) == 0 {
		return ""
	}
	return r.calls[len(r.calls)-1]
}

type fixedRegion struct{ r *monitor.Region }

func (f *fixedRegion) ActiveRegion() *monitor.Region { return f.r }

func newTestRemoter(rec *recorder, reg *monitor.Region) *Remoter {
	return NewRemoter(rec, &fixedRegion{reg}, 10, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMoveMapsIntoRegion(t *testing.T) {
	rec := &recorder{w: 3200, h: 1080}
	reg := monitor.NewRegion(types.Monitor{Index: 1, X: 1920, Y: 0, Width: 1280, Height: 1024})
	r := newTestRemoter(rec, reg)

	tests := []struct {
		x, y float64
		want string
	}{
		{0, 0, "move 1920 0"},
		{1, 1, "move 3199 1023"},
		{0.5, 0.5, "move 2560 512"},
		{-4, 7, "move 1920 1023"},
	}
	for _, tt := range tests {
		if err := r.Handle(types.InputEvent{Type: TypeMouseMove, XPct: tt.x, YPct: tt.y}); err != nil {
			t.Fatal(err)
		}
		if got := rec.last(); got != tt.want {
			t.Errorf("move(%g, %g) = %q, want %q", tt.x, tt.y, got, tt.want)
		}
	}
}

func TestMoveWithoutRegionUsesDesktop(t *testing.T) {
	rec := &recorder{w: 1920, h: 1080}
	r := newTestRemoter(rec, nil)
	r.HandleJSON([]byte(`{"type":"mouse_move","x_pct":1,"y_pct":0.5}`))
	if got := rec.last(); got != "move 1919 540" {
		t.Errorf("got %q, want %q", got, "move 1919 540")
	}
}

func TestScroll(t *testing.T) {
	rec := &recorder{}
	r := newTestRemoter(rec, nil)

	r.HandleJSON([]byte(`{"type":"mouse_scroll","delta_y":120}`))
	if got := rec.last(); got != "scroll 0 -12" {
		t.Errorf("got %q, want %q", got, "scroll 0 -12")
	}
	r.HandleJSON([]byte(`{"type":"mouse_scroll","delta_y":-35,"delta_x":19}`))
	if got := rec.last(); got != "scroll -1 3" {
		t.Errorf("got %q, want %q", got, "scroll -1 3")
	}
	n := len(rec.calls)
	r.HandleJSON([]byte(`{"type":"mouse_scroll","delta_y":4}`))
	if len(rec.calls) != n {
		t.Errorf("sub-step scroll injected %q", rec.last())
	}
}

func TestButtonsAndClicks(t *testing.T) {
	rec := &recorder{}
	r := newTestRemoter(rec, nil)
	for _, msg := range []string{
		`{"type":"mouse_down"}`,
		`{"type":"mouse_up","button":"right"}`,
		`{"type":"mouse_click","button":"middle","double":true}`,
		`{"type":"mouse_click","button":"bogus"}`,
	} {
		r.HandleJSON([]byte(msg))
	}
	want := []string{
		"button left true",
		"button right false",
		"click middle true",
		"click left false",
	}
	if fmt.Sprint(rec.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", rec.calls, want)
	}
}

func TestKeys(t *testing.T) {
	rec := &recorder{}
	r := newTestRemoter(rec, nil)
	r.HandleJSON([]byte(`{"type":"key_down","key":"Enter"}`))
	r.HandleJSON([]byte(`{"type":"key_up","key":"ArrowLeft"}`))
	r.HandleJSON([]byte(`{"type":"key_down","key":"A"}`))
	r.HandleJSON([]byte(`{"type":"key_down","key":"Unidentified"}`))
	r.HandleJSON([]byte(`{"type":"key_down"}`))
	want := []string{"key enter true", "key left false", "key a true"}
	if fmt.Sprint(rec.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", rec.calls, want)
	}
}

func TestNormalizeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Enter", "enter", true},
		{"Escape", "esc", true},
		{" ", "space", true},
		{"Control", "ctrl", true},
		{"Meta", "cmd", true},
		{"F11", "f11", true},
		{"z", "z", true},
		{"Z", "z", true},
		{"7", "7", true},
		{"pagedown", "pagedown", true},
		{"Dead", "", false},
		{"", "", false},
		{"\t", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeKey(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeKey(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBadEventsAreSwallowed(t *testing.T) {
	rec := &recorder{}
	r := newTestRemoter(rec, nil)
	r.HandleJSON([]byte(`not json`))
	r.HandleJSON([]byte(`{"type":"teleport"}`))
	r.HandleJSON([]byte(`{}`))
	if len(rec.calls) != 0 {
		t.Errorf("unexpected injection: %v", rec.calls)
	}
	if err := r.Handle(types.InputEvent{Type: "teleport"}); err == nil {
		t.Error("Handle accepted unknown type")
	}
}

func TestInjectorErrorsAndPanics(t *testing.T) {
	rec := &recorder{fail: errors.New("denied")}
	r := newTestRemoter(rec, nil)
	if err := r.Handle(types.InputEvent{Type: TypeMouseDown}); err == nil {
		t.Error("injector error not returned")
	}
	r.HandleJSON([]byte(`{"type":"mouse_down"}`))

	rec.panic = true
	if err := r.Handle(types.InputEvent{Type: TypeMouseClick}); err == nil {
		t.Error("panic not converted to error")
	}
	r.HandleJSON([]byte(`{"type":"mouse_click"}`))
}
