// ABOUTME: Audio output interface definition
// ABOUTME: Common interface for pull-based playback backends and a name-based factory
package output

import (
	"fmt"
	"time"

	"github.com/loopstream/loopstream-go/pkg/audio"
)

// DefaultBufferDuration is the default playback ring buffer length
const DefaultBufferDuration = 2 * time.Second

// Output represents an audio output device that pulls samples from a Source
// on its own callback thread
type Output interface {
	// Open initializes the device for format and starts pulling from src
	Open(format audio.Format, src Source) error

	// Close stops pulling and releases output resources
	Close() error
}

// Backend names accepted by New
const (
	BackendMalgo     = "malgo"
	BackendOto       = "oto"
	BackendPortAudio = "portaudio"
)

// New returns the output backend with the given name
func New(backend string) (Output, error) {
	switch backend {
	case "", BackendMalgo:
		return NewMalgo(), nil
	case BackendOto:
		return NewOto(), nil
	case BackendPortAudio:
		return NewPortAudio(), nil
	default:
		return nil, fmt.Errorf("unknown output backend %q (supported: malgo, oto, portaudio)", backend)
	}
}

// NewRingBufferFor sizes a ring buffer to hold d of audio in format
func NewRingBufferFor(format audio.Format, d time.Duration) *RingBuffer {
	return NewRingBuffer(format.SamplesFor(d))
}

func checkFormat(format audio.Format) error {
	if format.SampleFormat != audio.Float32 {
		return fmt.Errorf("%w: %s", audio.ErrUnsupportedFormat, format.SampleFormat)
	}
	if format.Channels == 0 || format.SampleRate == 0 {
		return fmt.Errorf("invalid playback format %s", format)
	}
	return nil
}
