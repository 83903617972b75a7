// ABOUTME: TUI update helpers for server
// ABOUTME: Periodically pushes server state to the TUI
package server

import (
	"context"
	"time"
)

const statusInterval = 500 * time.Millisecond

// status builds the current TUI view of the server
func (s *Server) status() ServerStatus {
	addr := ""
	if s.addr != nil {
		addr = s.addr.String()
	}
	return ServerStatus{
		Name:      s.config.Name,
		Transport: s.config.Transport,
		Addr:      addr,
		Stats:     s.Stats(),
	}
}

// statusLoop sends current server state to TUI until ctx is done
func (s *Server) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tui.Update(s.status())
		}
	}
}
