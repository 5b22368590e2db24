//go:build !linux || !cgo

package main

import (
	"log/slog"

	"deskcast/internal/capture"
	"deskcast/internal/types"
)

func newGrabberFactory(_ string, logger *slog.Logger) capture.GrabberFactory {
	return func(m types.Monitor) (capture.Grabber, error) {
		logger.Info("capture: robotgo", "monitor", m.Index, "width", m.Width, "height", m.Height)
		return capture.NewRobotgoGrabber(m)
	}
}
