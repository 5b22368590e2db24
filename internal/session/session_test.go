package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newViewer builds a receive-only client PC with a control channel and
// returns its gathered offer.
func newViewer(t *testing.T) (*webrtc.PeerConnection, *webrtc.DataChannel, webrtc.SessionDescription) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			t.Fatal(err)
		}
	}
	dc, err := pc.CreateDataChannel(LabelControl, nil)
	if err != nil {
		t.Fatal(err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	<-gathered
	return pc, dc, *pc.LocalDescription()
}

func TestAnswerAndControlChannel(t *testing.T) {
	video, audio, err := NewTracks()
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan string, 1)
	s, err := New("s1", Options{
		Video:  video,
		Audio:  audio,
		Logger: testLogger(),
		OnControl: func(data []byte) {
			select {
			case got <- string(data):
			default:
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	viewer, dc, offer := newViewer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	answer, err := s.Answer(ctx, offer)
	if err != nil {
		t.Fatal(err)
	}
	if answer.Type != webrtc.SDPTypeAnswer || !strings.Contains(answer.SDP, "H264") {
		t.Fatalf("unexpected answer: %v\n%s", answer.Type, answer.SDP)
	}
	if err := viewer.SetRemoteDescription(*answer); err != nil {
		t.Fatal(err)
	}

	msg := `{"type":"mouse_move","x_pct":0.5,"y_pct":0.5}`
	dc.OnOpen(func() { dc.SendText(msg) })

	select {
	case m := <-got:
		if m != msg {
			t.Errorf("control message = %q, want %q", m, msg)
		}
	case <-ctx.Done():
		t.Fatal("control message not delivered")
	}
}

func TestAnswerRejectsBadSDP(t *testing.T) {
	s, err := New("bad", Options{Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	_, err = s.Answer(context.Background(), webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "not sdp",
	})
	if !errors.Is(err, ErrBadOffer) {
		t.Fatalf("Answer(garbage) = %v, want ErrBadOffer", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	var closes atomic.Int32
	s, err := New("s2", Options{
		Logger:  testLogger(),
		OnClose: func(id string) { closes.Add(1) },
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	s.Close()
	if !s.IsClosed() {
		t.Error("IsClosed() = false")
	}
	select {
	case <-s.Stop:
	default:
		t.Error("Stop channel not closed")
	}
	if n := closes.Load(); n != 1 {
		t.Errorf("OnClose called %d times, want 1", n)
	}
}
