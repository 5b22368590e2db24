//go:build cgo

package audio

import (
	"fmt"
	"runtime"
	"time"

	"github.com/gen2brain/malgo"
)

// MalgoOpener records through miniaudio. The mic role opens the default
// capture device; the desktop role opens a loopback of the default output,
// which miniaudio only supports on WASAPI.
type MalgoOpener struct{}

type malgoDevice struct {
	ctx       *malgo.AllocatedContext
	dev       *malgo.Device
	collector *pcmCollector
	rate      int
	channels  int
	format    SampleFormat
}

func (MalgoOpener) Open(role Role) (Device, error) {
	var kind malgo.DeviceType
	switch role {
	case RoleMic:
		kind = malgo.Capture
	case RoleDesktop:
		if runtime.GOOS != "windows" {
			return nil, fmt.Errorf("loopback capture is only supported on windows")
		}
		kind = malgo.Loopback
	default:
		return nil, fmt.Errorf("unknown audio role %q", role)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("miniaudio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 2
	cfg.SampleRate = 0 // device native rate
	cfg.Alsa.NoMMap = 1

	d := &malgoDevice{ctx: mctx, collector: newPCMCollector(1 << 20)}
	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			d.collector.Write(input)
		},
	})
	if err != nil {
		mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init %s device: %w", role, err)
	}
	d.dev = dev
	d.rate = int(dev.SampleRate())
	d.channels = int(dev.CaptureChannels())
	d.format, err = fromMalgoFormat(dev.CaptureFormat())
	if err == nil && (d.rate <= 0 || d.channels <= 0) {
		err = fmt.Errorf("device reported %d Hz, %d channels", d.rate, d.channels)
	}
	if err == nil {
		err = dev.Start()
	}
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("start %s device: %w", role, err)
	}
	return d, nil
}

func fromMalgoFormat(f malgo.FormatType) (SampleFormat, error) {
	switch f {
	case malgo.FormatU8:
		return FormatU8, nil
	case malgo.FormatS16:
		return FormatS16LE, nil
	case malgo.FormatS32:
		return FormatS32LE, nil
	case malgo.FormatF32:
		return FormatF32LE, nil
	}
	return 0, fmt.Errorf("unsupported miniaudio format %d", f)
}

func (d *malgoDevice) SampleRate() int      { return d.rate }
func (d *malgoDevice) Channels() int        { return d.channels }
func (d *malgoDevice) Format() SampleFormat { return d.format }

func (d *malgoDevice) Read(frames int) ([]byte, error) {
	timeout := time.Duration(frames)*time.Second/time.Duration(d.rate) + 500*time.Millisecond
	return d.collector.read(frames*d.channels*d.format.Size(), timeout)
}

func (d *malgoDevice) Close() error {
	d.collector.close()
	if d.dev != nil {
		d.dev.Uninit()
	}
	d.ctx.Uninit()
	d.ctx.Free()
	return nil
}
