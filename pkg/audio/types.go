// ABOUTME: Audio type definitions
// ABOUTME: Defines the negotiated stream format, per-packet capture info and sample packing helpers
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrUnsupportedFormat is returned when a stage only handles Float32 and
// receives anything else
var ErrUnsupportedFormat = errors.New("unsupported sample format")

// SampleFormat is the encoding of a single sample
type SampleFormat uint8

const (
	Int8 SampleFormat = iota
	Int16
	Float32
)

// BitsPerSample returns the width of one sample in bits
func (f SampleFormat) BitsPerSample() uint16 {
	switch f {
	case Int8:
		return 8
	case Int16:
		return 16
	case Float32:
		return 32
	default:
		return 0
	}
}

// Valid reports whether f is one of the known sample formats
func (f SampleFormat) Valid() bool {
	return f <= Float32
}

func (f SampleFormat) String() string {
	switch f {
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Float32:
		return "float32"
	default:
		return fmt.Sprintf("SampleFormat(%d)", uint8(f))
	}
}

// Format describes a negotiated capture stream. It is derived once per
// capture session and never changes for the life of that session.
type Format struct {
	Channels     uint16
	SampleRate   uint32
	SampleFormat SampleFormat
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/%s", f.SampleRate, f.Channels, f.SampleFormat)
}

// FramesToDuration converts a frame count at this format's rate to wall time
func (f Format) FramesToDuration(frames uint32) time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(frames) / float64(f.SampleRate) * float64(time.Second))
}

// SamplesFor returns the interleaved sample count covering d
func (f Format) SamplesFor(d time.Duration) int {
	frames := int(d.Seconds() * float64(f.SampleRate))
	return frames * int(f.Channels)
}

// Info carries the advisory quality flags the device attached to one
// captured packet. Samples are never dropped because of them.
type Info struct {
	IsSilent          bool // device reports digital silence
	DataDiscontinuity bool // a gap occurred since the previous packet
	TimestampError    bool // the packet's position is unreliable
}

// PutFloat32s packs samples as little-endian IEEE-754 into dst, which must
// hold at least 4*len(samples) bytes
func PutFloat32s(dst []byte, samples []float32) {
	for i, s := range samples {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
}

// Float32sFromBytes unpacks little-endian IEEE-754 samples from src into dst
// and returns the number of samples written
func Float32sFromBytes(dst []float32, src []byte) int {
	n := len(src) / 4
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return n
}
