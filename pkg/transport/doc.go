// ABOUTME: Packet transports for loopstream
// ABOUTME: TCP stream, UDP datagram and WebSocket framings behind one interface
// Package transport moves protocol packets between a client and a server.
//
// Three framings are available:
//   - Stream (TCP): packets back to back, optionally zstd-compressed after the first
//   - Datagram (UDP): 4-byte little-endian length prefix, one packet per datagram
//   - WebSocket: one binary message per packet
//
// Example:
//
//	t, err := transport.Dial(ctx, transport.KindTCP, "host:7172", transport.Options{Compress: true})
//	err = t.Send(protocol.Henlo{ClientName: "pc", Format: format})
package transport
