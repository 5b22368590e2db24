package capture

import (
	"fmt"
	"image"
	"image/draw"
	"time"

	"github.com/go-vgo/robotgo"

	"deskcast/internal/types"
)

// RobotgoGrabber captures a monitor rectangle with robotgo. It works on every
// platform robotgo supports and is the fallback when XShm is unavailable.
type RobotgoGrabber struct {
	m types.Monitor
}

func NewRobotgoGrabber(m types.Monitor) (Grabber, error) {
	if m.Width <= 0 || m.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid monitor size %dx%d", m.Width, m.Height)
	}
	return &RobotgoGrabber{m: m}, nil
}

func (g *RobotgoGrabber) Grab() (*types.Frame, error) {
	img, err := robotgo.CaptureImg(g.m.X, g.m.Y, g.m.Width, g.m.Height)
	if err != nil {
		return nil, fmt.Errorf("robotgo capture: %w", err)
	}
	if img == nil {
		return nil, fmt.Errorf("robotgo capture: empty image")
	}
	return &types.Frame{Image: toRGBA(img), CapturedAt: time.Now()}, nil
}

func (g *RobotgoGrabber) Close() {}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
	return rgba
}
