// ABOUTME: Datagram transport over UDP
// ABOUTME: Each datagram is a 4-byte little-endian length followed by one encoded packet
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/loopstream/loopstream-go/pkg/protocol"
)

const (
	// MaxDatagramSize is the largest UDP payload over IPv4
	MaxDatagramSize = 65507

	// lengthPrefixSize is the size of the per-datagram payload length
	lengthPrefixSize = 4

	// MaxSamplesPerDatagram is the largest Data batch sent in one datagram;
	// bigger batches are split
	MaxSamplesPerDatagram = (MaxDatagramSize - lengthPrefixSize - protocol.DataOverhead) / 4
)

// ErrNoPeer is returned by Send on a datagram socket with no destination
var ErrNoPeer = errors.New("datagram transport has no peer address")

// Datagram frames packets on a connectionless socket. There is no ordering
// or delivery guarantee.
type Datagram struct {
	conn net.PacketConn

	peerMu sync.RWMutex
	peer   net.Addr

	sendMu  sync.Mutex
	sendBuf []byte

	recvBuf []byte
}

// NewDatagram wraps a bound packet socket. peer may be nil for a socket
// that only receives.
func NewDatagram(conn net.PacketConn, peer net.Addr) *Datagram {
	return &Datagram{
		conn:    conn,
		peer:    peer,
		recvBuf: make([]byte, 64*1024),
	}
}

// ListenDatagram binds a receiving socket on addr
func ListenDatagram(addr string) (*Datagram, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	return NewDatagram(conn, nil), nil
}

// DialDatagram resolves addr and binds an ephemeral local socket to send
// to it
func DialDatagram(ctx context.Context, addr string) (*Datagram, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("bind udp: %w", err)
	}
	return NewDatagram(conn, raddr), nil
}

// Peer returns the current destination, if any
func (d *Datagram) Peer() net.Addr {
	d.peerMu.RLock()
	defer d.peerMu.RUnlock()
	return d.peer
}

// SetPeer changes the destination used by Send
func (d *Datagram) SetPeer(addr net.Addr) {
	d.peerMu.Lock()
	d.peer = addr
	d.peerMu.Unlock()
}

// LocalAddr returns the bound socket address
func (d *Datagram) LocalAddr() net.Addr {
	return d.conn.LocalAddr()
}

// Send writes p to the peer. Data batches above MaxSamplesPerDatagram are
// split across several datagrams.
func (d *Datagram) Send(p protocol.Packet) error {
	peer := d.Peer()
	if peer == nil {
		return ErrNoPeer
	}

	d.sendMu.Lock()
	defer d.sendMu.Unlock()

	if data, ok := p.(protocol.Data); ok {
		samples := data.Samples
		for len(samples) > MaxSamplesPerDatagram {
			if err := d.sendOne(peer, protocol.Data{Samples: samples[:MaxSamplesPerDatagram]}); err != nil {
				return err
			}
			samples = samples[MaxSamplesPerDatagram:]
		}
		return d.sendOne(peer, protocol.Data{Samples: samples})
	}

	return d.sendOne(peer, p)
}

func (d *Datagram) sendOne(peer net.Addr, p protocol.Packet) error {
	frame, err := AppendFrame(d.sendBuf[:0], p)
	if err != nil {
		return err
	}
	d.sendBuf = frame
	if len(frame) > MaxDatagramSize {
		return fmt.Errorf("%s packet encodes to %d bytes, above datagram limit %d", p.Kind(), len(frame), MaxDatagramSize)
	}
	_, err = d.conn.WriteTo(frame, peer)
	return err
}

// Recv reads one datagram atomically and decodes it. A short or
// inconsistent datagram yields io.ErrUnexpectedEOF together with its
// source address so the caller can drop it and keep listening.
func (d *Datagram) Recv() (protocol.Packet, net.Addr, error) {
	n, addr, err := d.conn.ReadFrom(d.recvBuf)
	if err != nil {
		return nil, addr, err
	}
	p, err := ReadFrame(d.recvBuf[:n])
	return p, addr, err
}

// Close closes the socket
func (d *Datagram) Close() error {
	return d.conn.Close()
}

// AppendFrame appends p's length-prefixed datagram encoding to dst
func AppendFrame(dst []byte, p protocol.Packet) ([]byte, error) {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	dst, err := protocol.Append(dst, p)
	if err != nil {
		return dst[:start], err
	}
	binary.LittleEndian.PutUint32(dst[start:], uint32(len(dst)-start-lengthPrefixSize))
	return dst, nil
}

// ReadFrame decodes one length-prefixed datagram. The decoder only runs
// once the datagram is known to hold the full declared payload.
func ReadFrame(datagram []byte) (protocol.Packet, error) {
	if len(datagram) < lengthPrefixSize {
		return nil, io.ErrUnexpectedEOF
	}
	size := binary.LittleEndian.Uint32(datagram)
	if uint64(len(datagram)-lengthPrefixSize) < uint64(size) {
		return nil, io.ErrUnexpectedEOF
	}
	payload := datagram[lengthPrefixSize:]
	if extra := len(payload) - int(size); extra > 0 {
		return nil, &protocol.DecodeError{Field: "datagram", Err: fmt.Errorf("%d bytes after declared payload", extra)}
	}
	return protocol.Unmarshal(payload)
}
