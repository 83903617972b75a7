//go:build windows

// ABOUTME: WASAPI implementation of the capture Backend
// ABOUTME: Calls COM vtable slots directly and uses go-ole for activation and error text
package capture

import (
	"errors"
	"syscall"
	"unsafe"

	ole "github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"
)

// COM identifiers for the MMDevice and WASAPI interfaces
var (
	clsidMMDeviceEnumerator = ole.NewGUID("{BCDE0395-E52F-467C-8E3D-C4579291692E}")
	iidIMMDeviceEnumerator  = ole.NewGUID("{A95664D2-9614-4F35-A746-DE8DB63617E6}")
	iidIAudioClient         = ole.NewGUID("{1CB9AD4C-DBFA-4C32-B178-C2F568A703B2}")
	iidIAudioCaptureClient  = ole.NewGUID("{C8ADBD64-E71E-48A0-A4DE-185C395CD317}")
)

const (
	eRender  = 0
	eConsole = 0

	clsctxAll = 0x1 | 0x2 | 0x4 | 0x10

	audclntShareModeShared = 0
	audclntStreamLoopback  = 0x00020000

	sFalse          = syscall.Errno(0x00000001)
	rpcEChangedMode = syscall.Errno(0x80010106)

	// vtable slots; IUnknown occupies 0..2
	unknownRelease              = 2
	mmdeGetDefaultAudioEndpoint = 4
	mmDeviceActivate            = 3
	audioClientInitialize       = 3
	audioClientGetBufferSize    = 4
	audioClientGetMixFormat     = 8
	audioClientStart            = 10
	audioClientStop             = 11
	audioClientGetService       = 14
	capClientGetBuffer          = 3
	capClientReleaseBuffer      = 4
	capClientGetNextPacketSize  = 5
)

type wasapiBackend struct{}

// DefaultBackend returns the WASAPI backend. The caller should lock its
// goroutine to an OS thread for the engine's lifetime.
func DefaultBackend() (Backend, error) {
	return wasapiBackend{}, nil
}

func hresultError(op string, hr uintptr) error {
	return &NativeError{
		Op:          op,
		Code:        uint32(hr),
		Description: ole.NewError(hr).String(),
	}
}

// vtableSlot returns the address of method slot in obj's vtable
func vtableSlot(obj Handle, slot int) uintptr {
	vtbl := *(*uintptr)(unsafe.Pointer(uintptr(obj)))
	return *(*uintptr)(unsafe.Pointer(vtbl + uintptr(slot)*unsafe.Sizeof(uintptr(0))))
}

func comCall(op string, obj Handle, slot int, args ...uintptr) error {
	hr, _, _ := syscall.SyscallN(vtableSlot(obj, slot), append([]uintptr{uintptr(obj)}, args...)...)
	if hr != 0 {
		return hresultError(op, hr)
	}
	return nil
}

func (wasapiBackend) InitEnvironment() (bool, error) {
	err := windows.CoInitializeEx(0, windows.COINIT_MULTITHREADED)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sFalse), errors.Is(err, rpcEChangedMode):
		// already initialized on this thread by someone else
		return false, nil
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return false, hresultError("CoInitializeEx", uintptr(errno))
	}
	return false, err
}

func (wasapiBackend) UninitEnvironment() {
	windows.CoUninitialize()
}

func (wasapiBackend) CreateEnumerator() (Handle, error) {
	unk, err := ole.CreateInstance(clsidMMDeviceEnumerator, iidIMMDeviceEnumerator)
	if err != nil {
		var oleErr *ole.OleError
		if errors.As(err, &oleErr) {
			return 0, hresultError("CoCreateInstance", oleErr.Code())
		}
		return 0, err
	}
	return Handle(unsafe.Pointer(unk)), nil
}

func (wasapiBackend) DefaultRenderEndpoint(enumerator Handle) (Handle, error) {
	var device uintptr
	err := comCall("GetDefaultAudioEndpoint", enumerator, mmdeGetDefaultAudioEndpoint,
		eRender, eConsole, uintptr(unsafe.Pointer(&device)))
	return Handle(device), err
}

func (wasapiBackend) ActivateAudioClient(device Handle) (Handle, error) {
	var client uintptr
	err := comCall("Activate", device, mmDeviceActivate,
		uintptr(unsafe.Pointer(iidIAudioClient)), clsctxAll, 0, uintptr(unsafe.Pointer(&client)))
	return Handle(client), err
}

func (wasapiBackend) MixFormat(client Handle) (Handle, []byte, error) {
	var ptr uintptr
	if err := comCall("GetMixFormat", client, audioClientGetMixFormat, uintptr(unsafe.Pointer(&ptr))); err != nil {
		return 0, nil, err
	}

	size := waveFormatExSize
	cbSize := *(*uint16)(unsafe.Pointer(ptr + 16))
	size += int(cbSize)
	raw := make([]byte, size)
	copy(raw, unsafe.Slice((*byte)(unsafe.Pointer(ptr)), size))
	return Handle(ptr), raw, nil
}

func (wasapiBackend) FreeMixFormat(format Handle) {
	ole.CoTaskMemFree(uintptr(format))
}

func (wasapiBackend) InitializeLoopback(client Handle, ticks int64, format Handle) error {
	return comCall("Initialize", client, audioClientInitialize,
		audclntShareModeShared, audclntStreamLoopback, uintptr(ticks), 0, uintptr(format), 0)
}

func (wasapiBackend) BufferSize(client Handle) (uint32, error) {
	var frames uint32
	err := comCall("GetBufferSize", client, audioClientGetBufferSize, uintptr(unsafe.Pointer(&frames)))
	return frames, err
}

func (wasapiBackend) CaptureClient(client Handle) (Handle, error) {
	var capture uintptr
	err := comCall("GetService", client, audioClientGetService,
		uintptr(unsafe.Pointer(iidIAudioCaptureClient)), uintptr(unsafe.Pointer(&capture)))
	return Handle(capture), err
}

func (wasapiBackend) Start(client Handle) error {
	return comCall("Start", client, audioClientStart)
}

func (wasapiBackend) Stop(client Handle) error {
	return comCall("Stop", client, audioClientStop)
}

func (wasapiBackend) NextPacketSize(capture Handle) (uint32, error) {
	var frames uint32
	err := comCall("GetNextPacketSize", capture, capClientGetNextPacketSize, uintptr(unsafe.Pointer(&frames)))
	return frames, err
}

// GetBuffer returns a view of the device buffer. It stays valid only until
// ReleaseBuffer.
func (wasapiBackend) GetBuffer(capture Handle, bytesPerFrame int) ([]byte, uint32, uint32, error) {
	var (
		data   uintptr
		frames uint32
		flags  uint32
	)
	err := comCall("GetBuffer", capture, capClientGetBuffer,
		uintptr(unsafe.Pointer(&data)),
		uintptr(unsafe.Pointer(&frames)),
		uintptr(unsafe.Pointer(&flags)),
		0, 0)
	if err != nil {
		return nil, 0, 0, err
	}
	if data == 0 || frames == 0 {
		return nil, frames, flags, nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(data)), int(frames)*bytesPerFrame), frames, flags, nil
}

func (wasapiBackend) ReleaseBuffer(capture Handle, frames uint32) error {
	return comCall("ReleaseBuffer", capture, capClientReleaseBuffer, uintptr(frames))
}

func (wasapiBackend) Release(h Handle) {
	if h == 0 {
		return
	}
	// IUnknown::Release returns the new reference count, not an HRESULT
	syscall.SyscallN(vtableSlot(h, unknownRelease), uintptr(h))
}
