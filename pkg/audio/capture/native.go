// ABOUTME: Native audio layer abstraction for the capture engine
// ABOUTME: Defines the Backend contract, opaque handles and typed native errors
package capture

import (
	"errors"
	"fmt"
)

// Handle is an opaque reference to a native object owned by a Backend
type Handle uintptr

// Buffer flags reported by GetBuffer
const (
	FlagDataDiscontinuity = 0x1
	FlagSilent            = 0x2
	FlagTimestampError    = 0x4
)

// ErrUnsupportedPlatform is returned by DefaultBackend where loopback
// capture has no native implementation
var ErrUnsupportedPlatform = errors.New("loopback capture is not supported on this platform")

// Backend is the set of native operations the engine depends on. Every
// acquiring call has a matching release; the engine guarantees releases
// happen in reverse acquisition order.
type Backend interface {
	// InitEnvironment prepares the process-wide native subsystem. owned is
	// true only when this call performed the initialization, in which case
	// the caller must later call UninitEnvironment.
	InitEnvironment() (owned bool, err error)
	UninitEnvironment()

	CreateEnumerator() (Handle, error)
	DefaultRenderEndpoint(enumerator Handle) (Handle, error)
	ActivateAudioClient(device Handle) (Handle, error)

	// MixFormat returns the native descriptor pointer (freed with
	// FreeMixFormat) together with a byte copy of its contents.
	MixFormat(client Handle) (Handle, []byte, error)
	FreeMixFormat(format Handle)

	// InitializeLoopback initializes client in shared loopback mode with a
	// buffer duration in 100ns ticks.
	InitializeLoopback(client Handle, ticks int64, format Handle) error
	BufferSize(client Handle) (uint32, error)
	CaptureClient(client Handle) (Handle, error)

	Start(client Handle) error
	Stop(client Handle) error

	NextPacketSize(capture Handle) (uint32, error)
	// GetBuffer returns the next packet's bytes (frames*bytesPerFrame long),
	// its size in frames and its buffer flags.
	GetBuffer(capture Handle, bytesPerFrame int) (data []byte, frames uint32, flags uint32, err error)
	ReleaseBuffer(capture Handle, frames uint32) error

	// Release drops one reference on an enumerator, device, client or
	// capture client handle.
	Release(h Handle)
}

// NativeError reports a failing native call with its raw status code and
// the OS-provided description
type NativeError struct {
	Op          string
	Code        uint32
	Description string
}

func (e *NativeError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s: HRESULT 0x%08X", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: HRESULT 0x%08X: %s", e.Op, e.Code, e.Description)
}

// CallbackError wraps an error returned by a ReadSamples callback
type CallbackError struct {
	Err error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("sample callback: %v", e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}
