// ABOUTME: loopstream server role
// ABOUTME: Accepts one streaming client at a time, gates on Henlo and feeds the playback ring buffer
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loopstream/loopstream-go/internal/discovery"
	"github.com/loopstream/loopstream-go/internal/logging"
	"github.com/loopstream/loopstream-go/pkg/audio"
	"github.com/loopstream/loopstream-go/pkg/audio/output"
	"github.com/loopstream/loopstream-go/pkg/protocol"
	"github.com/loopstream/loopstream-go/pkg/transport"
	"golang.org/x/sync/errgroup"
)

// Config holds server configuration
type Config struct {
	Name           string
	Transport      string // tcp, udp or websocket
	ListenAddr     string
	Compression    bool
	Output         string // playback backend name
	PlaybackBuffer time.Duration
	EnableMDNS     bool
	UseTUI         bool
	Debug          bool
}

// OutputFactory builds the playback output once a format is known
type OutputFactory func() (output.Output, error)

// Server represents the loopstream server
type Server struct {
	config    Config
	newOutput OutputFactory
	debugf    logging.Debugf

	addr  net.Addr
	ready chan struct{}

	// playback and session state
	mu         sync.Mutex
	ring       *output.RingBuffer
	out        output.Output
	format     audio.Format
	active     transport.Transport
	peer       net.Addr
	clientName string
	sessionID  string

	sessions     atomic.Uint64
	packets      atomic.Uint64
	samples      atomic.Uint64
	ignored      atomic.Uint64
	decodeErrors atomic.Uint64

	tui       *ServerTUI
	startTime time.Time
}

// Option customizes a Server
type Option func(*Server)

// WithOutputFactory replaces the playback backend constructor
func WithOutputFactory(f OutputFactory) Option {
	return func(s *Server) { s.newOutput = f }
}

// New creates a new server instance
func New(config Config, opts ...Option) *Server {
	if config.PlaybackBuffer <= 0 {
		config.PlaybackBuffer = output.DefaultBufferDuration
	}
	if config.Transport == "" {
		config.Transport = transport.KindTCP
	}

	s := &Server{
		config: config,
		newOutput: func() (output.Output, error) {
			return output.New(config.Output)
		},
		debugf:    logging.NewDebugf(config.Debug),
		ready:     make(chan struct{}),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready is closed once the server is bound
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound address; valid after Ready
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Buffer returns the current playback ring buffer, or nil before the first Henlo
func (s *Server) Buffer() *output.RingBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring
}

// Run binds the configured transport and serves until ctx is cancelled or
// the TUI asks to quit
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serve, err := s.bind()
	if err != nil {
		return err
	}
	close(s.ready)

	log.Printf("Server starting: %s (%s on %s)", s.config.Name, s.config.Transport, s.addr)

	if s.config.EnableMDNS {
		mdnsManager := discovery.NewManager(discovery.Config{
			ServiceName: s.config.Name,
			Port:        portOf(s.addr),
			Transport:   s.config.Transport,
			Compression: s.config.Compression,
		})
		if err := mdnsManager.Advertise(); err != nil {
			log.Printf("Failed to start mDNS advertisement: %v", err)
		} else {
			defer mdnsManager.Stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(gctx)
	})

	// close whichever session is live so its Recv unblocks
	g.Go(func() error {
		<-gctx.Done()
		s.mu.Lock()
		if s.active != nil {
			s.active.Close()
		}
		s.mu.Unlock()
		return nil
	})

	if s.config.UseTUI {
		s.tui = NewServerTUI()
		g.Go(func() error {
			defer cancel()
			return s.tui.Start(s.status())
		})
		g.Go(func() error {
			select {
			case <-s.tui.QuitChan():
				log.Printf("TUI quit requested, shutting down...")
				cancel()
			case <-gctx.Done():
				s.tui.Stop()
			}
			return nil
		})
		g.Go(func() error {
			s.statusLoop(gctx)
			return nil
		})
	}

	err = g.Wait()

	s.mu.Lock()
	if s.out != nil {
		s.out.Close()
		s.out = nil
	}
	s.mu.Unlock()

	log.Printf("Server stopped cleanly")
	return err
}

// bind opens the listening socket and returns the loop that serves it
func (s *Server) bind() (func(context.Context) error, error) {
	opts := transport.Options{Compress: s.config.Compression}

	switch s.config.Transport {
	case transport.KindTCP:
		ln, err := net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen tcp %s: %w", s.config.ListenAddr, err)
		}
		s.addr = ln.Addr()
		return func(ctx context.Context) error {
			return s.serveListener(ctx, ln, opts)
		}, nil

	case transport.KindUDP:
		d, err := transport.ListenDatagram(s.config.ListenAddr)
		if err != nil {
			return nil, err
		}
		s.addr = d.LocalAddr()
		return func(ctx context.Context) error {
			return s.serveDatagram(ctx, d)
		}, nil

	case transport.KindWebSocket:
		ln, err := net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("listen tcp %s: %w", s.config.ListenAddr, err)
		}
		s.addr = ln.Addr()
		return func(ctx context.Context) error {
			return s.serveWebSocket(ctx, ln)
		}, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", s.config.Transport)
	}
}

// serveSession runs one connection-oriented session: packets before the
// first Henlo are dropped, any receive or decode failure ends the session
func (s *Server) serveSession(t transport.Transport) {
	s.beginSession(t)
	defer s.endSession(t)
	defer t.Close()

	handshaken := false
	for {
		p, addr, err := t.Recv()
		if err != nil {
			var derr *protocol.DecodeError
			switch {
			case errors.As(err, &derr):
				s.decodeErrors.Add(1)
				log.Printf("Decode error from %v, dropping connection: %v", addr, err)
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				log.Printf("Client disconnected: %v", addr)
			default:
				log.Printf("Receive error from %v: %v", addr, err)
			}
			return
		}

		switch p := p.(type) {
		case protocol.Henlo:
			if err := s.handleHenlo(p, addr); err != nil {
				log.Printf("Rejecting client %q: %v", p.ClientName, err)
				return
			}
			handshaken = true
		case protocol.Data:
			if !handshaken {
				s.ignored.Add(1)
				s.debugf("Dropping data from %v before henlo", addr)
				continue
			}
			s.handleData(p)
		}
	}
}

func (s *Server) beginSession(t transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		log.Printf("New connection replaces the current session")
		s.active.Close()
	}
	s.active = t
}

func (s *Server) endSession(t transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == t {
		s.active = nil
		s.peer = nil
	}
}

// handleHenlo records the peer and (re)opens playback when the format is
// new or changed
func (s *Server) handleHenlo(h protocol.Henlo, addr net.Addr) error {
	if h.Format.SampleFormat != audio.Float32 {
		return fmt.Errorf("%w: %s", audio.ErrUnsupportedFormat, h.Format.SampleFormat)
	}
	if h.Format.Channels == 0 || h.Format.SampleRate == 0 {
		return fmt.Errorf("invalid format %s", h.Format)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions.Add(1)
	s.peer = addr
	s.clientName = h.ClientName
	s.sessionID = uuid.New().String()

	log.Printf("Client hello: %s from %v, format %s (session %s)", h.ClientName, addr, h.Format, s.sessionID)

	if s.ring != nil && s.format == h.Format && s.out != nil {
		return nil
	}

	if s.ring == nil || s.format != h.Format {
		if s.ring != nil {
			log.Printf("Format change detected (%s -> %s), reopening output", s.format, h.Format)
		}
		s.format = h.Format
		s.ring = output.NewRingBufferFor(h.Format, s.config.PlaybackBuffer)
	}

	// the output is kept across sessions and reopened in place; a failed
	// attempt leaves it nil so the next Henlo tries again
	if s.out == nil {
		out, err := s.newOutput()
		if err != nil {
			log.Printf("Failed to create audio output: %v", err)
			return nil
		}
		s.out = out
	}
	if err := s.out.Open(h.Format, s.ring); err != nil {
		log.Printf("Failed to open audio output: %v", err)
		s.out.Close()
		s.out = nil
	}

	return nil
}

func (s *Server) handleData(d protocol.Data) {
	s.mu.Lock()
	ring := s.ring
	s.mu.Unlock()

	s.packets.Add(1)
	s.samples.Add(uint64(len(d.Samples)))

	if dropped := ring.Push(d.Samples); dropped > 0 {
		s.debugf("Playback buffer overflow, dropped %d oldest samples", dropped)
	}
	s.debugf("Data: %d samples, %d buffered", len(d.Samples), ring.Available())
}

func portOf(addr net.Addr) int {
	if addr == nil {
		return 0
	}
	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(p)
	return port
}
