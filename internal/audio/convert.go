package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TargetRate is the sample rate of every chunk handed to subscribers.
const TargetRate = 48000

type SampleFormat int

const (
	FormatU8 SampleFormat = iota + 1
	FormatS16LE
	FormatS32LE
	FormatF32LE
)

func (f SampleFormat) String() string {
	switch f {
	case FormatU8:
		return "u8"
	case FormatS16LE:
		return "s16le"
	case FormatS32LE:
		return "s32le"
	case FormatF32LE:
		return "f32le"
	}
	return fmt.Sprintf("format(%d)", int(f))
}

func (f SampleFormat) Size() int {
	switch f {
	case FormatU8:
		return 1
	case FormatS16LE:
		return 2
	case FormatS32LE, FormatF32LE:
		return 4
	}
	return 0
}

// ToStereoS16 decodes interleaved samples into interleaved stereo int16.
// Mono is duplicated into both channels; channels beyond the second are
// dropped. Trailing partial frames are ignored.
func ToStereoS16(raw []byte, f SampleFormat, channels int) ([]int16, error) {
	size := f.Size()
	if size == 0 {
		return nil, fmt.Errorf("unsupported sample format %v", f)
	}
	if channels < 1 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}
	frameBytes := size * channels
	frames := len(raw) / frameBytes
	out := make([]int16, frames*2)
	for i := 0; i < frames; i++ {
		base := i * frameBytes
		l := decodeSample(raw[base:], f)
		r := l
		if channels > 1 {
			r = decodeSample(raw[base+size:], f)
		}
		out[2*i] = l
		out[2*i+1] = r
	}
	return out, nil
}

func decodeSample(b []byte, f SampleFormat) int16 {
	switch f {
	case FormatU8:
		return int16((int(b[0]) - 128) << 8)
	case FormatS16LE:
		return int16(binary.LittleEndian.Uint16(b))
	case FormatS32LE:
		return int16(int32(binary.LittleEndian.Uint32(b)) >> 16)
	case FormatF32LE:
		v := math.Float32frombits(binary.LittleEndian.Uint32(b))
		return clip16(float64(v) * 32767)
	}
	return 0
}

func clip16(v float64) int16 {
	if math.IsNaN(v) {
		return 0
	}
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// ResampledFrames is the output frame count for n frames converted from
// rate to TargetRate.
func ResampledFrames(n, rate int) int {
	if rate == TargetRate {
		return n
	}
	return int(math.Round(float64(n) * TargetRate / float64(rate)))
}

// Resample converts interleaved stereo from rate to TargetRate by linear
// interpolation on each channel.
func Resample(stereo []int16, rate int) []int16 {
	n := len(stereo) / 2
	if rate == TargetRate || n == 0 || rate <= 0 {
		return stereo
	}
	outFrames := ResampledFrames(n, rate)
	out := make([]int16, outFrames*2)
	step := float64(rate) / TargetRate
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		j := int(pos)
		if j >= n-1 {
			out[2*i] = stereo[2*(n-1)]
			out[2*i+1] = stereo[2*(n-1)+1]
			continue
		}
		frac := pos - float64(j)
		for c := 0; c < 2; c++ {
			a := float64(stereo[2*j+c])
			b := float64(stereo[2*(j+1)+c])
			out[2*i+c] = clip16(math.Round(a + (b-a)*frac))
		}
	}
	return out
}

// PCMBytes encodes samples as little-endian bytes.
func PCMBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCMSamples decodes little-endian S16 bytes.
func PCMSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out
}
