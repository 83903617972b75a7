// ABOUTME: Binary codec for loopstream packets
// ABOUTME: Compact varint encoding, self-delimiting so packets can be read back to back
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/loopstream/loopstream-go/pkg/audio"
)

// Varint markers for values that do not fit in a single byte
const (
	varintMax1 = 250
	varint16   = 251
	varint32   = 252
	varint64   = 253
)

const (
	// MaxClientNameLen bounds the Henlo client name on decode
	MaxClientNameLen = 4096

	// MaxSamples bounds a single Data batch on decode (16 MiB of float32)
	MaxSamples = 4 << 20

	// DataOverhead is the worst-case encoded size of a Data packet
	// excluding its samples: one tag byte plus a nine-byte length.
	DataOverhead = 1 + 9
)

// ErrInvalidVarint is returned for varint markers the decoder does not accept
var ErrInvalidVarint = errors.New("invalid varint")

// DecodeError reports a malformed or truncated packet
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Reader is satisfied by *bufio.Reader and *bytes.Reader
type Reader interface {
	io.Reader
	io.ByteReader
}

// Append encodes p onto dst and returns the extended slice
func Append(dst []byte, p Packet) ([]byte, error) {
	switch p := p.(type) {
	case Henlo:
		dst = appendVarint(dst, uint64(KindHenlo))
		dst = appendVarint(dst, uint64(len(p.ClientName)))
		dst = append(dst, p.ClientName...)
		dst = appendVarint(dst, uint64(p.Format.Channels))
		dst = appendVarint(dst, uint64(p.Format.SampleRate))
		dst = appendVarint(dst, uint64(p.Format.SampleFormat))
	case Data:
		dst = appendVarint(dst, uint64(KindData))
		dst = appendVarint(dst, uint64(len(p.Samples)))
		n := len(dst)
		dst = append(dst, make([]byte, len(p.Samples)*4)...)
		audio.PutFloat32s(dst[n:], p.Samples)
	default:
		return dst, fmt.Errorf("cannot encode packet of type %T", p)
	}
	return dst, nil
}

// Marshal encodes p into a new slice
func Marshal(p Packet) ([]byte, error) {
	return Append(nil, p)
}

// Encode writes p to w in a single Write call
func Encode(w io.Writer, p Packet) error {
	buf, err := Marshal(p)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Decode reads exactly one packet from r. A clean end of input before the
// first byte returns io.EOF; anything malformed returns a *DecodeError.
func Decode(r Reader) (Packet, error) {
	first, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	tag, err := finishVarint(r, first, math.MaxUint32)
	if err != nil {
		return nil, &DecodeError{Field: "variant", Err: err}
	}

	switch Kind(tag) {
	case KindHenlo:
		return decodeHenlo(r)
	case KindData:
		return decodeData(r)
	default:
		return nil, &DecodeError{Field: "variant", Err: fmt.Errorf("unknown variant %d", tag)}
	}
}

// Unmarshal decodes one packet that must occupy all of buf
func Unmarshal(buf []byte) (Packet, error) {
	r := bytes.NewReader(buf)
	p, err := Decode(r)
	if errors.Is(err, io.EOF) {
		return nil, &DecodeError{Field: "variant", Err: io.ErrUnexpectedEOF}
	}
	if err != nil {
		return nil, err
	}
	if rest := r.Len(); rest != 0 {
		return nil, &DecodeError{Field: "packet", Err: fmt.Errorf("%d trailing bytes", rest)}
	}
	return p, nil
}

func decodeHenlo(r Reader) (Packet, error) {
	n, err := readVarint(r, MaxClientNameLen)
	if err != nil {
		return nil, &DecodeError{Field: "client_name length", Err: err}
	}
	name := make([]byte, n)
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, &DecodeError{Field: "client_name", Err: unexpected(err)}
	}
	if !utf8.Valid(name) {
		return nil, &DecodeError{Field: "client_name", Err: errors.New("invalid UTF-8")}
	}

	channels, err := readVarint(r, math.MaxUint16)
	if err != nil {
		return nil, &DecodeError{Field: "format.channels", Err: err}
	}
	rate, err := readVarint(r, math.MaxUint32)
	if err != nil {
		return nil, &DecodeError{Field: "format.sample_rate", Err: err}
	}
	sf, err := readVarint(r, math.MaxUint32)
	if err != nil {
		return nil, &DecodeError{Field: "format.sample_format", Err: err}
	}
	sampleFormat := audio.SampleFormat(sf)
	if sf > math.MaxUint8 || !sampleFormat.Valid() {
		return nil, &DecodeError{Field: "format.sample_format", Err: fmt.Errorf("unknown sample format %d", sf)}
	}

	return Henlo{
		ClientName: string(name),
		Format: audio.Format{
			Channels:     uint16(channels),
			SampleRate:   uint32(rate),
			SampleFormat: sampleFormat,
		},
	}, nil
}

func decodeData(r Reader) (Packet, error) {
	n, err := readVarint(r, MaxSamples)
	if err != nil {
		return nil, &DecodeError{Field: "samples length", Err: err}
	}
	raw := make([]byte, n*4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, &DecodeError{Field: "samples", Err: unexpected(err)}
	}
	samples := make([]float32, n)
	audio.Float32sFromBytes(samples, raw)
	return Data{Samples: samples}, nil
}

func appendVarint(dst []byte, v uint64) []byte {
	switch {
	case v <= varintMax1:
		return append(dst, byte(v))
	case v <= math.MaxUint16:
		return binary.LittleEndian.AppendUint16(append(dst, varint16), uint16(v))
	case v <= math.MaxUint32:
		return binary.LittleEndian.AppendUint32(append(dst, varint32), uint32(v))
	default:
		return binary.LittleEndian.AppendUint64(append(dst, varint64), v)
	}
}

func readVarint(r Reader, max uint64) (uint64, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, unexpected(err)
	}
	return finishVarint(r, first, max)
}

func finishVarint(r Reader, first byte, max uint64) (uint64, error) {
	var v uint64
	switch {
	case first <= varintMax1:
		v = uint64(first)
	case first == varint16:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, unexpected(err)
		}
		v = uint64(binary.LittleEndian.Uint16(b[:]))
	case first == varint32:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, unexpected(err)
		}
		v = uint64(binary.LittleEndian.Uint32(b[:]))
	case first == varint64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, unexpected(err)
		}
		v = binary.LittleEndian.Uint64(b[:])
	default:
		return 0, fmt.Errorf("%w: marker %d", ErrInvalidVarint, first)
	}
	if v > max {
		return 0, fmt.Errorf("value %d exceeds limit %d", v, max)
	}
	return v, nil
}

// unexpected turns a mid-packet io.EOF into io.ErrUnexpectedEOF
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
