package stream

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"golang.org/x/time/rate"

	"deskcast/internal/track"
	"deskcast/internal/types"
)

// pump pulls frames from the target's track at the configured rate, encodes
// them and writes them to the shared sink until ctx is cancelled.
func (m *Manager) pump(ctx context.Context, t *target) {
	defer close(t.done)

	log := m.log.With("monitor", t.monitor.Index)
	interval := time.Second / time.Duration(m.opts.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		enc          types.VideoEncoder
		encW, encH   int
		lastPTS      time.Duration
		written      bool
		encodeErrLog = rate.Sometimes{First: 5, Interval: 10 * time.Second}
		noFrameLog   = rate.Sometimes{First: 1, Interval: 10 * time.Second}
	)
	defer func() {
		if enc != nil {
			enc.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d, err := t.track.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, track.ErrStopped) {
				return
			}
			if errors.Is(err, track.ErrNoFrame) {
				noFrameLog.Do(func() { log.Warn("no frame available", "err", t.source.Err()) })
			}
			continue
		}

		w, h := d.Frame.Width(), d.Frame.Height()
		if enc == nil || w != encW || h != encH {
			if enc != nil {
				enc.Close()
				enc = nil
			}
			if m.opts.Encoders == nil {
				continue
			}
			enc, err = m.opts.Encoders(w, h)
			if err != nil {
				encodeErrLog.Do(func() { log.Error("encoder init failed", "width", w, "height", h, "err", err) })
				enc = nil
				continue
			}
			encW, encH = w, h
		}

		out, err := enc.Encode(d.Frame)
		if err != nil {
			encodeErrLog.Do(func() { log.Warn("encode error", "err", err) })
			continue
		}
		if out == nil || m.opts.Sink == nil {
			continue
		}

		dur := interval
		if written {
			dur = d.PTS - lastPTS
		}
		lastPTS, written = d.PTS, true

		if err := m.opts.Sink.WriteSample(media.Sample{
			Data:      out.Data,
			Duration:  dur,
			Timestamp: d.Frame.CapturedAt,
		}); err != nil {
			log.Debug("write video sample", "err", err)
		}
	}
}
