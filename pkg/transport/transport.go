// ABOUTME: Transport abstraction for moving packets between client and server
// ABOUTME: Shared interface, kind names and the client-side Dial entry point
package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/loopstream/loopstream-go/pkg/protocol"
)

// Transport carries packets over one link. Send and Recv may be used from
// different goroutines; neither may be called concurrently with itself.
type Transport interface {
	Send(p protocol.Packet) error
	// Recv returns the next packet and the address it came from
	Recv() (protocol.Packet, net.Addr, error)
	Close() error
}

// Transport kinds
const (
	KindTCP       = "tcp"
	KindUDP       = "udp"
	KindWebSocket = "websocket"
)

// DefaultPort is used by both roles unless configured otherwise
const DefaultPort = 7172

// Options tune a link. Both ends must agree on Compress since the Henlo
// does not announce it.
type Options struct {
	Compress bool
}

// Dial opens a client-side transport of the given kind to addr
func Dial(ctx context.Context, kind, addr string, opts Options) (Transport, error) {
	switch kind {
	case KindTCP:
		return DialStream(ctx, addr, opts)
	case KindUDP:
		return DialDatagram(ctx, addr)
	case KindWebSocket:
		return DialWebSocket(ctx, addr)
	default:
		return nil, fmt.Errorf("unknown transport %q (supported: tcp, udp, websocket)", kind)
	}
}
