//go:build linux

package audio

import (
	"fmt"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

const (
	pulseRate     = TargetRate
	pulseChannels = 2
)

// PulseOpener records from PulseAudio (or PipeWire's pulse server). The mic
// role uses the default source; the desktop role records the monitor of the
// default sink.
type PulseOpener struct {
	// Chunk sizes the server-side fragment, per role.
	Chunk map[Role]int
}

type pulseDevice struct {
	client    *pulse.Client
	stream    *pulse.RecordStream
	collector *pulseCollector
}

// pulseCollector adapts pcmCollector to pulse.Writer.
type pulseCollector struct {
	*pcmCollector
}

func (pulseCollector) Format() byte { return proto.FormatInt16LE }

func (o PulseOpener) Open(role Role) (Device, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("deskcast " + string(role)),
	)
	if err != nil {
		return nil, fmt.Errorf("pulse connect: %w", err)
	}

	chunk := o.Chunk[role]
	if chunk <= 0 {
		chunk = 1024
	}
	frameBytes := pulseChannels * 2
	collector := pulseCollector{newPCMCollector(chunk * frameBytes * 16)}

	var target pulse.RecordOption
	switch role {
	case RoleMic:
		src, err := client.DefaultSource()
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("default source: %w", err)
		}
		target = pulse.RecordSource(src)
	case RoleDesktop:
		sink, err := client.DefaultSink()
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("default sink: %w", err)
		}
		target = pulse.RecordMonitor(sink)
	default:
		client.Close()
		return nil, fmt.Errorf("unknown audio role %q", role)
	}

	stream, err := client.NewRecord(
		collector,
		target,
		pulse.RecordStereo,
		pulse.RecordSampleRate(pulseRate),
		pulse.RecordBufferFragmentSize(uint32(chunk*frameBytes)),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create record stream: %w", err)
	}
	stream.Start()

	return &pulseDevice{client: client, stream: stream, collector: &collector}, nil
}

func (d *pulseDevice) SampleRate() int      { return pulseRate }
func (d *pulseDevice) Channels() int        { return pulseChannels }
func (d *pulseDevice) Format() SampleFormat { return FormatS16LE }

func (d *pulseDevice) Read(frames int) ([]byte, error) {
	timeout := time.Duration(frames)*time.Second/pulseRate + 500*time.Millisecond
	return d.collector.read(frames*pulseChannels*2, timeout)
}

func (d *pulseDevice) Close() error {
	d.stream.Stop()
	d.collector.close()
	d.client.Close()
	return nil
}
