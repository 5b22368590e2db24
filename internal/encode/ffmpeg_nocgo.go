//go:build !cgo

package encode

import (
	"errors"
	"log/slog"

	"deskcast/internal/types"
)

var errNoCgo = errors.New("video encoding requires cgo and libavcodec")

type Options struct {
	FPS         int
	BitrateKbps int
	GOP         int
	Logger      *slog.Logger
}

func NewFactory(opts Options) types.EncoderFactory {
	return func(width, height int) (types.VideoEncoder, error) {
		return NewEncoder(width, height, opts)
	}
}

func NewEncoder(width, height int, opts Options) (types.VideoEncoder, error) {
	return nil, errNoCgo
}
