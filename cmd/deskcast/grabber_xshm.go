//go:build linux && cgo

package main

import (
	"log/slog"

	"deskcast/internal/capture"
	"deskcast/internal/types"
)

// newGrabberFactory prefers XShm and falls back to robotgo when the X server
// lacks the extension or the display cannot be opened.
func newGrabberFactory(display string, logger *slog.Logger) capture.GrabberFactory {
	return func(m types.Monitor) (capture.Grabber, error) {
		g, err := capture.NewXShmGrabber(display, m)
		if err == nil {
			logger.Info("capture: XShm", "monitor", m.Index, "width", m.Width, "height", m.Height)
			return g, nil
		}
		logger.Warn("capture: XShm unavailable, using robotgo", "err", err)
		return capture.NewRobotgoGrabber(m)
	}
}
