// ABOUTME: loopstream wire protocol package
// ABOUTME: Defines Henlo/Data packets and their binary codec
// Package protocol implements the loopstream wire format.
//
// A session is one Henlo followed by any number of Data packets. Packets
// encode as a varint variant tag followed by their fields in order; the
// encoding is self-delimiting so a stream reader can decode them back to
// back.
//
// Example:
//
//	err := protocol.Encode(conn, protocol.Henlo{ClientName: "pc", Format: format})
//	packet, err := protocol.Decode(bufio.NewReader(conn))
package protocol
