//go:build !cgo

package audio

import (
	"errors"
	"log/slog"

	"github.com/pion/webrtc/v4/pkg/media"
)

type SampleSink interface {
	WriteSample(s media.Sample) error
}

// OpusBridge is inert without cgo; desktop audio is still served over
// WebSocket.
type OpusBridge struct{ log *slog.Logger }

func NewOpusBridge(hub *Hub, sink SampleSink, depth int, logger *slog.Logger) *OpusBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpusBridge{log: logger}
}

func (b *OpusBridge) Start() error { return errors.New("opus encoding requires cgo") }
func (b *OpusBridge) Stop()        {}

func (b *OpusBridge) SetActive(active bool) {
	if active {
		b.log.Debug("audio: opus bridge unavailable without cgo")
	}
}
