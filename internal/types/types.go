package types

import (
	"image"
	"time"
)

// Monitor is a display snapshot taken at enumeration time.
type Monitor struct {
	Index   int    `json:"id"`
	Name    string `json:"name"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Primary bool   `json:"primary"`
}

// Frame is a captured screen image. Once published by a capture loop the
// pixels must not be modified; consumers copy before drawing on it.
type Frame struct {
	Image *image.RGBA
	// Origin is the monitor's top-left corner in desktop coordinates.
	Origin     image.Point
	CapturedAt time.Time
}

func (f *Frame) Width() int  { return f.Image.Rect.Dx() }
func (f *Frame) Height() int { return f.Image.Rect.Dy() }

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	img := &image.RGBA{
		Pix:    make([]byte, len(f.Image.Pix)),
		Stride: f.Image.Stride,
		Rect:   f.Image.Rect,
	}
	copy(img.Pix, f.Image.Pix)
	return &Frame{Image: img, Origin: f.Origin, CapturedAt: f.CapturedAt}
}

type EncodedFrame struct {
	Data  []byte
	IsKey bool
}

// InputEvent is one control-channel record.
type InputEvent struct {
	Type   string  `json:"type"`
	XPct   float64 `json:"x_pct,omitempty"`
	YPct   float64 `json:"y_pct,omitempty"`
	DeltaX float64 `json:"delta_x,omitempty"`
	DeltaY float64 `json:"delta_y,omitempty"`
	Button string  `json:"button,omitempty"`
	Key    string  `json:"key,omitempty"`
	Double bool    `json:"double,omitempty"`
}

type VideoEncoder interface {
	Encode(frame *Frame) (*EncodedFrame, error)
	Close()
}

// EncoderFactory creates a video encoder for the given frame size.
type EncoderFactory func(width, height int) (VideoEncoder, error)
