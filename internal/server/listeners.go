// ABOUTME: Accept loops for each transport
// ABOUTME: TCP and WebSocket hand connections to sessions; UDP pins the peer that sent the latest Henlo
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/loopstream/loopstream-go/pkg/protocol"
	"github.com/loopstream/loopstream-go/pkg/transport"
)

// serveListener accepts TCP connections until ctx is done
func (s *Server) serveListener(ctx context.Context, ln net.Listener, opts transport.Options) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		log.Printf("New connection from %s", conn.RemoteAddr())
		go s.serveSession(transport.NewStream(conn, opts))
	}
}

// serveWebSocket runs an HTTP server that upgrades on the loopstream path
func (s *Server) serveWebSocket(ctx context.Context, ln net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc(transport.WebSocketPath, func(w http.ResponseWriter, r *http.Request) {
		ws, err := transport.Upgrade(w, r)
		if err != nil {
			log.Printf("WebSocket upgrade error: %v", err)
			return
		}
		log.Printf("New WebSocket connection from %s", r.RemoteAddr)
		s.serveSession(ws)
	})

	httpServer := &http.Server{Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}
	return nil
}

// serveDatagram reads datagrams until ctx is done. Only a Henlo may pin a
// peer; Data from anyone else is dropped. A malformed datagram is logged
// and skipped.
func (s *Server) serveDatagram(ctx context.Context, d *transport.Datagram) error {
	go func() {
		<-ctx.Done()
		d.Close()
	}()

	var pinned net.Addr
	for {
		p, addr, err := d.Recv()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var derr *protocol.DecodeError
			if errors.As(err, &derr) || errors.Is(err, io.ErrUnexpectedEOF) {
				s.decodeErrors.Add(1)
				log.Printf("Dropping malformed datagram from %v: %v", addr, err)
				continue
			}
			return fmt.Errorf("udp receive: %w", err)
		}

		switch p := p.(type) {
		case protocol.Henlo:
			if err := s.handleHenlo(p, addr); err != nil {
				log.Printf("Rejecting client %q: %v", p.ClientName, err)
				continue
			}
			if pinned == nil || pinned.String() != addr.String() {
				log.Printf("Pinned peer %v", addr)
			}
			pinned = addr
		case protocol.Data:
			if pinned == nil || addr.String() != pinned.String() {
				s.ignored.Add(1)
				s.debugf("Dropping data from unpinned source %v", addr)
				continue
			}
			s.handleData(p)
		}
	}
}
