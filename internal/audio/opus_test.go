//go:build cgo

package audio

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
)

type sampleRecorder struct {
	mu      sync.Mutex
	samples []media.Sample
}

func (r *sampleRecorder) WriteSample(s media.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

func (r *sampleRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

func TestOpusBridgeFramesPCM(t *testing.T) {
	hub := NewHub()
	rec := &sampleRecorder{}
	b := NewOpusBridge(hub, rec, 16, slog.New(slog.NewTextHandler(io.Discard, nil)))

	b.SetActive(true)
	b.SetActive(true)
	eventually(t, func() bool { return hub.Count() == 1 })

	// 2.5 frames of silence yield two packets; the remainder waits.
	chunk := make([]byte, opusFrameSamples*2*5/2)
	hub.Broadcast(chunk)
	eventually(t, func() bool { return rec.count() == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := rec.count(); n != 2 {
		t.Fatalf("wrote %d samples, want 2", n)
	}
	rec.mu.Lock()
	for _, s := range rec.samples {
		if s.Duration != 20*time.Millisecond || len(s.Data) == 0 {
			t.Errorf("sample = %d bytes, %v", len(s.Data), s.Duration)
		}
	}
	rec.mu.Unlock()

	b.SetActive(false)
	if hub.Count() != 0 {
		t.Errorf("bridge still subscribed after stop")
	}
	b.Stop()
}
