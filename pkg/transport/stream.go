// ABOUTME: Stream transport over TCP
// ABOUTME: Packets are written back to back, optionally zstd-compressed after the first one
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/loopstream/loopstream-go/pkg/protocol"
)

// Stream frames packets on a connection-oriented byte stream. The first
// packet in each direction is always sent in the clear; with compression
// enabled everything after it flows through a zstd stream that is flushed
// after every packet.
type Stream struct {
	conn     net.Conn
	compress bool

	sendMu sync.Mutex
	enc    *zstd.Encoder
	sent   int
	buf    []byte

	br       *bufio.Reader
	reader   protocol.Reader
	received int
	inflated bool

	closeOnce sync.Once
}

// NewStream wraps an established connection
func NewStream(conn net.Conn, opts Options) *Stream {
	br := bufio.NewReaderSize(conn, 64*1024)
	return &Stream{
		conn:     conn,
		compress: opts.Compress,
		br:       br,
		reader:   br,
	}
}

// DialStream connects to addr over TCP
func DialStream(ctx context.Context, addr string, opts Options) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}
	return NewStream(conn, opts), nil
}

// Send encodes p onto the stream
func (s *Stream) Send(p protocol.Packet) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	var err error
	s.buf, err = protocol.Append(s.buf[:0], p)
	if err != nil {
		return err
	}

	if s.enc == nil {
		if _, err := s.conn.Write(s.buf); err != nil {
			return err
		}
		s.sent++
		if s.compress {
			enc, err := zstd.NewWriter(s.conn, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
			if err != nil {
				return fmt.Errorf("create zstd encoder: %w", err)
			}
			s.enc = enc
		}
		return nil
	}

	if _, err := s.enc.Write(s.buf); err != nil {
		return err
	}
	if err := s.enc.Flush(); err != nil {
		return err
	}
	s.sent++
	return nil
}

// Recv decodes the next packet. Any decode error leaves the stream
// unusable; callers must close it.
func (s *Stream) Recv() (protocol.Packet, net.Addr, error) {
	if s.compress && s.received > 0 && !s.inflated {
		// bytes already buffered past the first packet belong to the zstd
		// stream; the decoder reads the frame header as soon as it is created
		dec, err := zstd.NewReader(s.br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, s.conn.RemoteAddr(), fmt.Errorf("create zstd decoder: %w", err)
		}
		s.reader = bufio.NewReader(dec.IOReadCloser())
		s.inflated = true
	}

	p, err := protocol.Decode(s.reader)
	if err != nil {
		return nil, s.conn.RemoteAddr(), err
	}
	s.received++

	return p, s.conn.RemoteAddr(), nil
}

// RemoteAddr returns the peer address
func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close ends the compressed frame if one is open and closes the connection
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		if s.enc != nil {
			s.enc.Close()
		}
		s.sendMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
