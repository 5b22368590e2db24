package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"deskcast/internal/audio"
)

type silentDevice struct{}

func (silentDevice) SampleRate() int            { return audio.TargetRate }
func (silentDevice) Channels() int              { return 2 }
func (silentDevice) Format() audio.SampleFormat { return audio.FormatS16LE }
func (silentDevice) Close() error               { return nil }

func (silentDevice) Read(frames int) ([]byte, error) {
	time.Sleep(2 * time.Millisecond)
	return make([]byte, frames*4), nil
}

func newAudioCapture(t *testing.T, role audio.Role, opener audio.Opener) *audio.Capture {
	t.Helper()
	c := audio.NewCapture(role, opener, audio.CaptureOptions{
		Chunk:        480,
		PollInterval: 5 * time.Millisecond,
		Logger:       testLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	return c
}

func wsURL(h *harness, path string) string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + path
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestControlSocket(t *testing.T) {
	h := newHarness(t, Config{Token: "secret"}, nil)

	if _, resp, err := websocket.DefaultDialer.Dial(wsURL(h, "/control"), nil); err == nil {
		t.Fatal("dial without token succeeded")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h, "/control?token=secret"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	for _, msg := range []string{
		`{"type":"mouse_move","x_pct":0.5,"y_pct":0.5}`,
		`garbage`,
		`{"type":"key_down","key":"Enter"}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool { return len(h.input.snapshot()) == 2 })
	calls := h.input.snapshot()
	// The input region defaults to the primary 64x48 monitor.
	if calls[0] != "move 32 24" || calls[1] != "key enter true" {
		t.Errorf("calls = %v", calls)
	}
}

func TestAudioSocketStreams(t *testing.T) {
	opener := audio.OpenerFunc(func(audio.Role) (audio.Device, error) { return silentDevice{}, nil })
	var desktop *audio.Capture
	h := newHarness(t, Config{}, func(d *Deps) {
		desktop = newAudioCapture(t, audio.RoleDesktop, opener)
		d.Desktop = desktop
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h, "/desktop_audio"), nil)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if mt != websocket.BinaryMessage || len(data) != 480*4 {
		t.Errorf("message type %d with %d bytes, want binary %d", mt, len(data), 480*4)
	}
	if n := desktop.Hub().Count(); n != 1 {
		t.Errorf("subscribers = %d, want 1", n)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitFor(t, func() bool { return desktop.Hub().Count() == 0 })
}

func TestAudioSocketUnavailable(t *testing.T) {
	opener := audio.OpenerFunc(func(audio.Role) (audio.Device, error) {
		return nil, errors.New("no capture device")
	})
	h := newHarness(t, Config{}, func(d *Deps) {
		d.Mic = newAudioCapture(t, audio.RoleMic, opener)
	})

	for _, path := range []string{"/mic_audio", "/desktop_audio"} {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL(h, path), nil)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, _, err = conn.ReadMessage()
		var ce *websocket.CloseError
		if !errors.As(err, &ce) || ce.Code != websocket.CloseInternalServerErr || ce.Text == "" {
			t.Errorf("%s: read = %v, want close 1011 with reason", path, err)
		}
		conn.Close()
	}
}

func TestTeardownClosesSockets(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h, "/control"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitFor(t, func() bool {
		h.srv.mu.Lock()
		defer h.srv.mu.Unlock()
		return len(h.srv.conns) == 1
	})

	h.srv.Teardown()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway {
		t.Errorf("read after teardown = %v, want going away", err)
	}

	late, _, err := websocket.DefaultDialer.Dial(wsURL(h, "/control"), nil)
	if err != nil {
		t.Fatalf("dial after teardown: %v", err)
	}
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := late.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("late socket read = %v, want going away", err)
	}
}
