// ABOUTME: loopstream packet definitions
// ABOUTME: Defines the Henlo handshake and Data sample batches carried on every transport
package protocol

import (
	"fmt"

	"github.com/loopstream/loopstream-go/pkg/audio"
)

// Kind is a packet's variant tag on the wire
type Kind uint32

const (
	// KindHenlo opens a session and announces the sender's format
	KindHenlo Kind = 0
	// KindData carries one batch of interleaved samples
	KindData Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindHenlo:
		return "henlo"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// Packet is either a Henlo or a Data value
type Packet interface {
	Kind() Kind
}

// Henlo is sent exactly once per connection, before any Data
type Henlo struct {
	ClientName string
	Format     audio.Format
}

// Kind implements Packet
func (Henlo) Kind() Kind { return KindHenlo }

// Data carries interleaved float32 samples in the announced format
type Data struct {
	Samples []float32
}

// Kind implements Packet
func (Data) Kind() Kind { return KindData }
