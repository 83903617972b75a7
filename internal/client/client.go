// ABOUTME: loopstream client role
// ABOUTME: Reconnecting state machine that captures loopback audio and streams it to the server
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopstream/loopstream-go/internal/discovery"
	"github.com/loopstream/loopstream-go/internal/logging"
	"github.com/loopstream/loopstream-go/pkg/audio"
	"github.com/loopstream/loopstream-go/pkg/audio/capture"
	"github.com/loopstream/loopstream-go/pkg/protocol"
	"github.com/loopstream/loopstream-go/pkg/transport"
)

// State is a step of the client connection lifecycle
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Capture is the part of capture.Engine the client drives
type Capture interface {
	Format() (audio.Format, error)
	BufferFrames() uint32
	Start() error
	Stop() error
	ReadSamples(fn func(samples []float32, info audio.Info) error) error
	Close() error
}

// CaptureOpener opens a capture session with the requested device buffer
type CaptureOpener func(bufferDuration time.Duration) (Capture, error)

// Dialer connects to the server at addr
type Dialer func(ctx context.Context, addr string) (transport.Transport, error)

// Config holds client configuration
type Config struct {
	ServerAddr     string // empty means browse with mDNS
	Transport      string
	Compression    bool
	ClientName     string
	BufferDuration time.Duration
	Backoff        time.Duration
	Debug          bool
}

// DefaultBackoff is the wait between failed connection attempts
const DefaultBackoff = 5 * time.Second

const discoveryTimeout = 5 * time.Second

// Stats counts client activity across reconnects
type Stats struct {
	Connections uint64
	Packets     uint64
	Samples     uint64
}

// Client streams captured audio to one server, reconnecting forever
type Client struct {
	config      Config
	dial        Dialer
	openCapture CaptureOpener
	sleep       func(ctx context.Context, d time.Duration) error
	discover    func(ctx context.Context) (string, error)
	onState     func(State)
	debugf      logging.Debugf

	mu    sync.Mutex
	state State

	connections atomic.Uint64
	packets     atomic.Uint64
	samples     atomic.Uint64
}

// Option customizes a Client
type Option func(*Client)

// WithDialer replaces the transport dialer
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithCaptureOpener replaces the loopback capture constructor
func WithCaptureOpener(o CaptureOpener) Option {
	return func(c *Client) { c.openCapture = o }
}

// WithSleep replaces the context-aware sleep used for backoff and pacing
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithStateHook is called on every state transition
func WithStateHook(fn func(State)) Option {
	return func(c *Client) { c.onState = fn }
}

// New creates a client
func New(config Config, opts ...Option) *Client {
	if config.Transport == "" {
		config.Transport = transport.KindTCP
	}
	if config.Backoff <= 0 {
		config.Backoff = DefaultBackoff
	}
	if config.BufferDuration <= 0 {
		config.BufferDuration = 100 * time.Millisecond
	}

	c := &Client{
		config: config,
		dial: func(ctx context.Context, addr string) (transport.Transport, error) {
			return transport.Dial(ctx, config.Transport, addr, transport.Options{Compress: config.Compression})
		},
		openCapture: OpenLoopback,
		sleep:       sleepContext,
		debugf:      logging.NewDebugf(config.Debug),
	}
	c.discover = func(ctx context.Context) (string, error) {
		info, err := discovery.Find(ctx, c.config.Transport, discoveryTimeout)
		if err != nil {
			return "", err
		}
		log.Printf("Discovered server %s at %s", info.Name, info.Addr())
		return info.Addr(), nil
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenLoopback opens the default render endpoint in loopback mode
func OpenLoopback(bufferDuration time.Duration) (Capture, error) {
	backend, err := capture.DefaultBackend()
	if err != nil {
		return nil, err
	}
	engine, err := capture.Open(backend, bufferDuration)
	if err != nil {
		return nil, err
	}
	return engine, nil
}

// State returns the current lifecycle state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns activity counters
func (c *Client) Stats() Stats {
	return Stats{
		Connections: c.connections.Load(),
		Packets:     c.packets.Load(),
		Samples:     c.samples.Load(),
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed {
		c.debugf("Client state: %s", s)
	}
	if c.onState != nil {
		c.onState(s)
	}
}

// Run connects, handshakes and streams until ctx is cancelled. Transport
// and capture failures send it back to Disconnected; only a capture format
// the wire cannot carry ends the run with an error.
func (c *Client) Run(ctx context.Context) error {
	// the native capture objects are bound to the thread that created them
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	c.setState(StateDisconnected)

	for ctx.Err() == nil {
		c.setState(StateConnecting)

		t, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("Connection failed: %v (retrying in %v)", err, c.config.Backoff)
			c.setState(StateDisconnected)
			if c.sleep(ctx, c.config.Backoff) != nil {
				break
			}
			continue
		}
		c.connections.Add(1)

		err = c.stream(ctx, t)
		t.Close()
		c.setState(StateDisconnected)

		if ctx.Err() != nil {
			break
		}
		if isFatal(err) {
			return err
		}
		log.Printf("Session ended: %v (reconnecting in %v)", err, c.config.Backoff)
		if c.sleep(ctx, c.config.Backoff) != nil {
			break
		}
	}

	c.setState(StateDisconnected)
	log.Printf("Client stopped")
	return nil
}

func (c *Client) connect(ctx context.Context) (transport.Transport, error) {
	addr := c.config.ServerAddr
	if addr == "" {
		found, err := c.discover(ctx)
		if err != nil {
			return nil, fmt.Errorf("discover server: %w", err)
		}
		addr = found
	}

	log.Printf("Connecting to %s over %s", addr, c.config.Transport)
	return c.dial(ctx, addr)
}

// stream runs one connection: open capture, send the Henlo, then forward
// captured batches every pacing interval until something fails
func (c *Client) stream(ctx context.Context, t transport.Transport) error {
	c.setState(StateHandshaking)

	capt, err := c.openCapture(c.config.BufferDuration)
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	defer func() {
		capt.Stop()
		capt.Close()
	}()

	format, err := capt.Format()
	if err != nil {
		return err
	}
	if format.SampleFormat != audio.Float32 {
		return fmt.Errorf("%w: capture delivers %s", audio.ErrUnsupportedFormat, format.SampleFormat)
	}

	if err := t.Send(protocol.Henlo{ClientName: c.config.ClientName, Format: format}); err != nil {
		return fmt.Errorf("send henlo: %w", err)
	}
	log.Printf("Sent henlo as %q with format %s", c.config.ClientName, format)

	if err := capt.Start(); err != nil {
		return err
	}
	c.setState(StateStreaming)

	interval := pacing(format, capt.BufferFrames(), c.config.BufferDuration)
	c.debugf("Polling capture every %v", interval)

	send := func(samples []float32, info audio.Info) error {
		if info.DataDiscontinuity {
			c.debugf("Capture discontinuity")
		}
		if len(samples) == 0 {
			return nil
		}
		if err := t.Send(protocol.Data{Samples: samples}); err != nil {
			return err
		}
		c.packets.Add(1)
		c.samples.Add(uint64(len(samples)))
		return nil
	}

	for {
		if err := capt.ReadSamples(send); err != nil {
			return err
		}
		if err := c.sleep(ctx, interval); err != nil {
			return err
		}
	}
}

// pacing is half the realized device buffer (bufferFrames at the mix
// rate), not half of the requested duration. The requested duration is
// only the fallback when the device did not report a size.
func pacing(format audio.Format, bufferFrames uint32, requested time.Duration) time.Duration {
	if d := format.FramesToDuration(bufferFrames); d > 0 {
		return d / 2
	}
	return requested / 2
}

func isFatal(err error) bool {
	return errors.Is(err, capture.ErrUnknownFormat) ||
		errors.Is(err, audio.ErrUnsupportedFormat) ||
		errors.Is(err, capture.ErrUnsupportedPlatform)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
