// ABOUTME: Server counters and playback buffer state
// ABOUTME: Snapshot used by the TUI and by tests
package server

import (
	"time"

	"github.com/loopstream/loopstream-go/pkg/audio"
	"github.com/loopstream/loopstream-go/pkg/audio/output"
)

// Stats is a point-in-time view of the server
type Stats struct {
	Sessions     uint64
	Packets      uint64
	Samples      uint64
	Ignored      uint64 // packets dropped for arriving before a Henlo or from an unpinned peer
	DecodeErrors uint64

	Peer       string
	ClientName string
	SessionID  string
	Format     audio.Format
	Ring       output.RingStats
	Buffered   time.Duration
}

// Stats returns current counters
func (s *Server) Stats() Stats {
	st := Stats{
		Sessions:     s.sessions.Load(),
		Packets:      s.packets.Load(),
		Samples:      s.samples.Load(),
		Ignored:      s.ignored.Load(),
		DecodeErrors: s.decodeErrors.Load(),
	}

	s.mu.Lock()
	if s.peer != nil {
		st.Peer = s.peer.String()
	}
	st.ClientName = s.clientName
	st.SessionID = s.sessionID
	st.Format = s.format
	ring := s.ring
	s.mu.Unlock()

	if ring != nil {
		st.Ring = ring.Stats()
		if ch := int(st.Format.Channels); ch > 0 {
			st.Buffered = st.Format.FramesToDuration(uint32(st.Ring.Buffered / ch))
		}
	}
	return st
}
