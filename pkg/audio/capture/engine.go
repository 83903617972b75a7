// ABOUTME: Loopback capture engine
// ABOUTME: Owns the native handle chain, drains captured packets and releases everything in reverse order
package capture

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/loopstream/loopstream-go/pkg/audio"
)

// Engine captures the default render endpoint in loopback mode.
// It is not safe for concurrent use.
type Engine struct {
	backend Backend

	enumerator    Handle
	device        Handle
	client        Handle
	mixFormatPtr  Handle
	captureClient Handle

	mixFormat    MixFormat
	bufferFrames uint32

	// releases holds one undo step per acquired resource, in acquisition order
	releases []func()
	running  bool

	scratch []float32
}

// Open acquires the full handle chain and initializes the audio client in
// shared loopback mode with the requested buffer duration. Anything
// acquired before a failing step is released before Open returns.
func Open(backend Backend, bufferDuration time.Duration) (*Engine, error) {
	ticks, err := durationToTicks(bufferDuration)
	if err != nil {
		return nil, err
	}

	e := &Engine{backend: backend}
	if err := e.acquire(ticks); err != nil {
		e.Close()
		return nil, err
	}

	return e, nil
}

func (e *Engine) acquire(ticks int64) error {
	owned, err := e.backend.InitEnvironment()
	if err != nil {
		return fmt.Errorf("init environment: %w", err)
	}
	if owned {
		e.push(e.backend.UninitEnvironment)
	}

	if e.enumerator, err = e.backend.CreateEnumerator(); err != nil {
		return fmt.Errorf("create device enumerator: %w", err)
	}
	e.pushRelease(e.enumerator)

	if e.device, err = e.backend.DefaultRenderEndpoint(e.enumerator); err != nil {
		return fmt.Errorf("get default render endpoint: %w", err)
	}
	e.pushRelease(e.device)

	if e.client, err = e.backend.ActivateAudioClient(e.device); err != nil {
		return fmt.Errorf("activate audio client: %w", err)
	}
	e.pushRelease(e.client)

	ptr, raw, err := e.backend.MixFormat(e.client)
	if err != nil {
		return fmt.Errorf("get mix format: %w", err)
	}
	e.mixFormatPtr = ptr
	e.push(func() { e.backend.FreeMixFormat(ptr) })

	if e.mixFormat, err = ParseMixFormat(raw); err != nil {
		return err
	}

	if err := e.backend.InitializeLoopback(e.client, ticks, e.mixFormatPtr); err != nil {
		return fmt.Errorf("initialize audio client: %w", err)
	}

	if e.bufferFrames, err = e.backend.BufferSize(e.client); err != nil {
		return fmt.Errorf("get buffer size: %w", err)
	}

	if e.captureClient, err = e.backend.CaptureClient(e.client); err != nil {
		return fmt.Errorf("get capture client: %w", err)
	}
	e.pushRelease(e.captureClient)

	return nil
}

func (e *Engine) push(release func()) {
	e.releases = append(e.releases, release)
}

func (e *Engine) pushRelease(h Handle) {
	e.push(func() { e.backend.Release(h) })
}

// Format negotiates the portable format from the stored mix format
func (e *Engine) Format() (audio.Format, error) {
	return e.mixFormat.Negotiate()
}

// MixFormat returns the raw descriptor copy taken at Open
func (e *Engine) MixFormat() MixFormat {
	return e.mixFormat
}

// BufferFrames returns the realized device buffer size in frames
func (e *Engine) BufferFrames() uint32 {
	return e.bufferFrames
}

// Start begins capturing. Calling Start twice without Stop is not supported
// by the native layer.
func (e *Engine) Start() error {
	if err := e.backend.Start(e.client); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	e.running = true
	return nil
}

// Stop halts capturing
func (e *Engine) Stop() error {
	if err := e.backend.Stop(e.client); err != nil {
		return fmt.Errorf("stop capture: %w", err)
	}
	e.running = false
	return nil
}

// Running reports whether Start succeeded without a later Stop
func (e *Engine) Running() bool {
	return e.running
}

// ReadSamples drains every packet currently queued by the device and calls
// fn once per packet with interleaved float32 samples. It never waits for
// new packets. The samples slice is only valid until fn returns. Each
// native buffer is released even when fn fails; fn's error is then
// returned wrapped in a CallbackError.
func (e *Engine) ReadSamples(fn func(samples []float32, info audio.Info) error) error {
	frameSize := int(e.mixFormat.Channels) * 4

	pending, err := e.backend.NextPacketSize(e.captureClient)
	if err != nil {
		return fmt.Errorf("get next packet size: %w", err)
	}

	for pending > 0 {
		data, frames, flags, err := e.backend.GetBuffer(e.captureClient, frameSize)
		if err != nil {
			return fmt.Errorf("get buffer: %w", err)
		}

		info := infoFromFlags(flags)
		samples := e.decode(data, int(frames)*int(e.mixFormat.Channels), info.IsSilent)
		cbErr := fn(samples, info)

		if err := e.backend.ReleaseBuffer(e.captureClient, frames); err != nil {
			if cbErr != nil {
				return errors.Join(&CallbackError{Err: cbErr}, fmt.Errorf("release buffer: %w", err))
			}
			return fmt.Errorf("release buffer: %w", err)
		}
		if cbErr != nil {
			return &CallbackError{Err: cbErr}
		}

		if pending, err = e.backend.NextPacketSize(e.captureClient); err != nil {
			return fmt.Errorf("get next packet size: %w", err)
		}
	}

	return nil
}

// decode copies n little-endian float32 samples out of the native buffer.
// Silent packets decode to zeros whatever the buffer holds.
func (e *Engine) decode(data []byte, n int, silent bool) []float32 {
	if cap(e.scratch) < n {
		e.scratch = make([]float32, n)
	}
	samples := e.scratch[:n]
	if silent {
		clear(samples)
		return samples
	}
	if avail := len(data) / 4; n > avail {
		log.Printf("capture: packet declares %d samples but buffer holds %d", n, avail)
		samples = samples[:avail]
	}
	audio.Float32sFromBytes(samples, data)
	return samples
}

func infoFromFlags(flags uint32) audio.Info {
	return audio.Info{
		IsSilent:          flags&FlagSilent != 0,
		DataDiscontinuity: flags&FlagDataDiscontinuity != 0,
		TimestampError:    flags&FlagTimestampError != 0,
	}
}

// Close releases every acquired resource in reverse acquisition order.
// It is safe to call more than once.
func (e *Engine) Close() error {
	for i := len(e.releases) - 1; i >= 0; i-- {
		e.releases[i]()
	}
	e.releases = nil
	e.running = false
	e.enumerator, e.device, e.client, e.mixFormatPtr, e.captureClient = 0, 0, 0, 0, 0
	return nil
}

// durationToTicks converts d to 100ns units. time.Duration's range makes
// overflow impossible, so only non-positive values are rejected.
func durationToTicks(d time.Duration) (int64, error) {
	if d <= 0 {
		return 0, fmt.Errorf("buffer duration must be positive, got %v", d)
	}
	ticks := int64(d / 100)
	if ticks == 0 {
		return 0, fmt.Errorf("buffer duration %v is below the 100ns native resolution", d)
	}
	return ticks, nil
}
