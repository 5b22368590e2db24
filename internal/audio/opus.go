//go:build cgo

package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	// opusFrameSamples is one 20ms stereo frame at 48 kHz, interleaved.
	opusFrameSamples = TargetRate / 50 * 2
	resubscribeDelay = 5 * time.Second
)

// SampleSink receives encoded audio. *webrtc.TrackLocalStaticSample
// satisfies it.
type SampleSink interface {
	WriteSample(s media.Sample) error
}

// OpusBridge subscribes to a hub, encodes its PCM as Opus and writes it to a
// WebRTC track while started.
type OpusBridge struct {
	hub   *Hub
	sink  SampleSink
	depth int
	log   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewOpusBridge(hub *Hub, sink SampleSink, depth int, logger *slog.Logger) *OpusBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpusBridge{hub: hub, sink: sink, depth: depth, log: logger}
}

// Start begins forwarding. It is a no-op when already running.
func (b *OpusBridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return nil
	}
	enc, err := opus.NewEncoder(TargetRate, 2, opus.AppAudio)
	if err != nil {
		return fmt.Errorf("opus encoder: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(ctx, enc, b.done)
	b.log.Info("audio: opus bridge started")
	return nil
}

// Stop ends forwarding and drops the hub subscription.
func (b *OpusBridge) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	b.log.Info("audio: opus bridge stopped")
}

// SetActive starts or stops the bridge.
func (b *OpusBridge) SetActive(active bool) {
	if !active {
		b.Stop()
		return
	}
	if err := b.Start(); err != nil {
		b.log.Warn("audio: opus bridge", "err", err)
	}
}

func (b *OpusBridge) run(ctx context.Context, enc *opus.Encoder, done chan struct{}) {
	defer close(done)

	sub := b.hub.Subscribe("webrtc-opus", b.depth)
	defer func() { sub.Unsubscribe() }()

	var pcm []int16
	out := make([]byte, 4000)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			// The device went away; ask again later.
			if !sleep(ctx, resubscribeDelay) {
				return
			}
			pcm = pcm[:0]
			sub = b.hub.Subscribe("webrtc-opus", b.depth)
		case chunk := <-sub.C():
			pcm = append(pcm, PCMSamples(chunk)...)
			for len(pcm) >= opusFrameSamples {
				n, err := enc.Encode(pcm[:opusFrameSamples], out)
				pcm = pcm[opusFrameSamples:]
				if err != nil {
					b.log.Debug("opus encode", "err", err)
					continue
				}
				data := make([]byte, n)
				copy(data, out[:n])
				if err := b.sink.WriteSample(media.Sample{Data: data, Duration: opusFrameDuration}); err != nil {
					b.log.Debug("write audio sample", "err", err)
				}
			}
		}
	}
}
