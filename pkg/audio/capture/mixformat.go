// ABOUTME: Mix-format descriptor parsing and format negotiation
// ABOUTME: Reduces a raw WAVEFORMATEX/WAVEFORMATEXTENSIBLE copy to a portable audio.Format
package capture

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/loopstream/loopstream-go/pkg/audio"
)

// Format tags understood by the negotiator
const (
	WaveFormatPCM        = 0x0001
	WaveFormatIEEEFloat  = 0x0003
	WaveFormatExtensible = 0xFFFE
)

const (
	// waveFormatExSize is sizeof(WAVEFORMATEX) as laid out by the OS (packed)
	waveFormatExSize = 18
	// waveFormatExtensibleSize is sizeof(WAVEFORMATEXTENSIBLE)
	waveFormatExtensibleSize = 40
	// extensibleExtraSize is the cbSize an extensible descriptor must declare
	extensibleExtraSize = waveFormatExtensibleSize - waveFormatExSize
)

var (
	// ErrUnknownFormat is returned when the mix format has no portable equivalent
	ErrUnknownFormat = errors.New("unknown mix format")

	// ErrShortDescriptor is returned when a raw descriptor is too small for
	// the layout it declares
	ErrShortDescriptor = errors.New("mix format descriptor truncated")
)

// GUID is a sub-format identifier in its in-memory (mixed-endian) byte order
type GUID [16]byte

var (
	// SubtypePCM is KSDATAFORMAT_SUBTYPE_PCM {00000001-0000-0010-8000-00AA00389B71}
	SubtypePCM = GUID{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0xAA, 0x00, 0x38, 0x9B, 0x71}

	// SubtypeIEEEFloat is KSDATAFORMAT_SUBTYPE_IEEE_FLOAT {00000003-0000-0010-8000-00AA00389B71}
	SubtypeIEEEFloat = GUID{0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0xAA, 0x00, 0x38, 0x9B, 0x71}
)

func (g GUID) String() string {
	return fmt.Sprintf("{%08X-%04X-%04X-%X-%X}",
		binary.LittleEndian.Uint32(g[0:4]),
		binary.LittleEndian.Uint16(g[4:6]),
		binary.LittleEndian.Uint16(g[6:8]),
		g[8:10], g[10:16])
}

// MixFormat is a copy of the device's native mix-format descriptor.
// Extension fields are only populated when Extended is true.
type MixFormat struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	ExtraSize      uint16 // cbSize: bytes following the base descriptor

	Extended           bool
	ValidBitsPerSample uint16
	ChannelMask        uint32
	SubFormat          GUID
}

// ParseMixFormat copies descriptor fields out of raw using explicit offsets.
// raw has no alignment guarantee.
func ParseMixFormat(raw []byte) (MixFormat, error) {
	if len(raw) < waveFormatExSize {
		return MixFormat{}, fmt.Errorf("%w: %d bytes, need %d", ErrShortDescriptor, len(raw), waveFormatExSize)
	}

	le := binary.LittleEndian
	m := MixFormat{
		FormatTag:      le.Uint16(raw[0:]),
		Channels:       le.Uint16(raw[2:]),
		SamplesPerSec:  le.Uint32(raw[4:]),
		AvgBytesPerSec: le.Uint32(raw[8:]),
		BlockAlign:     le.Uint16(raw[12:]),
		BitsPerSample:  le.Uint16(raw[14:]),
		ExtraSize:      le.Uint16(raw[16:]),
	}

	if m.FormatTag == WaveFormatExtensible && m.ExtraSize == extensibleExtraSize {
		if len(raw) < waveFormatExtensibleSize {
			return MixFormat{}, fmt.Errorf("%w: %d bytes, extensible needs %d", ErrShortDescriptor, len(raw), waveFormatExtensibleSize)
		}
		m.Extended = true
		m.ValidBitsPerSample = le.Uint16(raw[18:])
		m.ChannelMask = le.Uint32(raw[20:])
		copy(m.SubFormat[:], raw[24:40])
	}

	return m, nil
}

// Bytes serializes m back into the OS layout
func (m MixFormat) Bytes() []byte {
	size := waveFormatExSize
	if m.Extended {
		size = waveFormatExtensibleSize
	}
	raw := make([]byte, size)

	le := binary.LittleEndian
	le.PutUint16(raw[0:], m.FormatTag)
	le.PutUint16(raw[2:], m.Channels)
	le.PutUint32(raw[4:], m.SamplesPerSec)
	le.PutUint32(raw[8:], m.AvgBytesPerSec)
	le.PutUint16(raw[12:], m.BlockAlign)
	le.PutUint16(raw[14:], m.BitsPerSample)
	le.PutUint16(raw[16:], m.ExtraSize)

	if m.Extended {
		le.PutUint16(raw[18:], m.ValidBitsPerSample)
		le.PutUint32(raw[20:], m.ChannelMask)
		copy(raw[24:40], m.SubFormat[:])
	}
	return raw
}

// Negotiate resolves the descriptor to a portable Format or ErrUnknownFormat
func (m MixFormat) Negotiate() (audio.Format, error) {
	sampleFormat, ok := m.sampleFormat()
	if !ok {
		return audio.Format{}, fmt.Errorf("%w: tag=0x%04X bits=%d cbSize=%d",
			ErrUnknownFormat, m.FormatTag, m.BitsPerSample, m.ExtraSize)
	}

	return audio.Format{
		Channels:     m.Channels,
		SampleRate:   m.SamplesPerSec,
		SampleFormat: sampleFormat,
	}, nil
}

func (m MixFormat) sampleFormat() (audio.SampleFormat, bool) {
	switch m.FormatTag {
	case WaveFormatPCM:
		return pcmFormat(m.BitsPerSample)
	case WaveFormatIEEEFloat:
		return floatFormat(m.BitsPerSample)
	case WaveFormatExtensible:
		if !m.Extended {
			return 0, false
		}
		switch m.SubFormat {
		case SubtypePCM:
			return pcmFormat(m.BitsPerSample)
		case SubtypeIEEEFloat:
			return floatFormat(m.BitsPerSample)
		}
	}
	return 0, false
}

func pcmFormat(bits uint16) (audio.SampleFormat, bool) {
	switch bits {
	case 8:
		return audio.Int8, true
	case 16:
		return audio.Int16, true
	}
	return 0, false
}

func floatFormat(bits uint16) (audio.SampleFormat, bool) {
	if bits == 32 {
		return audio.Float32, true
	}
	return 0, false
}
