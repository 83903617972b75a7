// ABOUTME: Tests for the client state machine
// ABOUTME: Drives reconnects, handshakes and pacing with fake transports and captures
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/loopstream/loopstream-go/pkg/audio"
	"github.com/loopstream/loopstream-go/pkg/audio/capture"
	"github.com/loopstream/loopstream-go/pkg/protocol"
	"github.com/loopstream/loopstream-go/pkg/transport"
)

var stereo48k = audio.Format{Channels: 2, SampleRate: 48000, SampleFormat: audio.Float32}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []protocol.Packet
	failAt int // 1-based send that fails; 0 never fails
	closed bool
}

func (f *fakeTransport) Send(p protocol.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt > 0 && len(f.sent)+1 == f.failAt {
		return errors.New("connection reset")
	}
	if d, ok := p.(protocol.Data); ok {
		p = protocol.Data{Samples: append([]float32(nil), d.Samples...)}
	}
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeTransport) Recv() (protocol.Packet, net.Addr, error) {
	return nil, nil, errors.New("not used")
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeCapture struct {
	format    audio.Format
	formatErr error
	frames    uint32
	batches   int

	next    float32
	started int
	stopped int
	closed  int
}

func (f *fakeCapture) Format() (audio.Format, error) { return f.format, f.formatErr }
func (f *fakeCapture) BufferFrames() uint32          { return f.frames }
func (f *fakeCapture) Start() error                  { f.started++; return nil }
func (f *fakeCapture) Stop() error                   { f.stopped++; return nil }
func (f *fakeCapture) Close() error                  { f.closed++; return nil }

func (f *fakeCapture) ReadSamples(fn func([]float32, audio.Info) error) error {
	for i := 0; i < f.batches; i++ {
		batch := make([]float32, 960)
		for j := range batch {
			batch[j] = f.next
			f.next++
		}
		if err := fn(batch, audio.Info{}); err != nil {
			return &capture.CallbackError{Err: err}
		}
	}
	return nil
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateHandshaking, "handshaking"},
		{StateStreaming, "streaming"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestPacing(t *testing.T) {
	tests := []struct {
		name      string
		format    audio.Format
		frames    uint32
		requested time.Duration
		want      time.Duration
	}{
		{"realized buffer", stereo48k, 4800, 100 * time.Millisecond, 50 * time.Millisecond},
		{"larger realized buffer", stereo48k, 9600, 100 * time.Millisecond, 100 * time.Millisecond},
		{"no realized size", stereo48k, 0, 100 * time.Millisecond, 50 * time.Millisecond},
		{"no sample rate", audio.Format{Channels: 2}, 4800, 40 * time.Millisecond, 20 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pacing(tt.format, tt.frames, tt.requested); got != tt.want {
				t.Errorf("pacing = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientReconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backoff := 3 * time.Second
	pace := 50 * time.Millisecond

	var (
		dials      int
		transports []*fakeTransport
		captures   []*fakeCapture
		sleeps     []time.Duration
		states     []State
	)

	dialer := func(ctx context.Context, addr string) (transport.Transport, error) {
		dials++
		if addr != "server:7172" {
			t.Errorf("dialed %q", addr)
		}
		switch dials {
		case 1:
			return nil, errors.New("connection refused")
		case 2:
			// henlo and one batch go through, the second batch fails
			tr := &fakeTransport{failAt: 3}
			transports = append(transports, tr)
			return tr, nil
		default:
			tr := &fakeTransport{}
			transports = append(transports, tr)
			return tr, nil
		}
	}
	opener := func(d time.Duration) (Capture, error) {
		if d != 100*time.Millisecond {
			t.Errorf("capture opened with %v", d)
		}
		c := &fakeCapture{format: stereo48k, frames: 4800, batches: 2}
		captures = append(captures, c)
		return c, nil
	}
	paced := 0
	sleep := func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		if d == pace {
			paced++
			if paced == 2 {
				cancel()
				return ctx.Err()
			}
		}
		return nil
	}

	c := New(Config{
		ServerAddr:     "server:7172",
		ClientName:     "pc",
		BufferDuration: 100 * time.Millisecond,
		Backoff:        backoff,
	},
		WithDialer(dialer),
		WithCaptureOpener(opener),
		WithSleep(sleep),
		WithStateHook(func(s State) { states = append(states, s) }),
	)

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if dials != 3 {
		t.Errorf("dials = %d, want 3", dials)
	}
	wantSleeps := []time.Duration{backoff, backoff, pace, pace}
	if fmt.Sprint(sleeps) != fmt.Sprint(wantSleeps) {
		t.Errorf("sleeps = %v, want %v", sleeps, wantSleeps)
	}

	for i, tr := range transports {
		if !tr.closed {
			t.Errorf("transport %d not closed", i)
		}
		henlos := 0
		for _, p := range tr.sent {
			if p.Kind() == protocol.KindHenlo {
				henlos++
			}
		}
		if henlos != 1 {
			t.Errorf("transport %d got %d henlos, want 1", i, henlos)
		}
		if h, ok := tr.sent[0].(protocol.Henlo); !ok || h.ClientName != "pc" || h.Format != stereo48k {
			t.Errorf("transport %d first packet = %#v", i, tr.sent[0])
		}
	}

	if got := len(transports[0].sent); got != 2 {
		t.Errorf("first connection carried %d packets, want henlo + 1 data", got)
	}
	second := transports[1].sent
	if len(second) != 5 {
		t.Fatalf("second connection carried %d packets, want henlo + 4 data", len(second))
	}
	want := float32(0)
	for _, p := range second[1:] {
		for _, s := range p.(protocol.Data).Samples {
			if s != want {
				t.Fatalf("sample = %v, want %v", s, want)
			}
			want++
		}
	}

	for i, capt := range captures {
		if capt.started != 1 || capt.stopped != 1 || capt.closed != 1 {
			t.Errorf("capture %d start/stop/close = %d/%d/%d", i, capt.started, capt.stopped, capt.closed)
		}
	}

	st := c.Stats()
	if st.Connections != 2 || st.Packets != 5 || st.Samples != 5*960 {
		t.Errorf("stats = %+v", st)
	}
	if c.State() != StateDisconnected {
		t.Errorf("final state = %v", c.State())
	}

	sawStreaming := false
	for _, s := range states {
		if s == StateStreaming {
			sawStreaming = true
		}
	}
	if !sawStreaming {
		t.Errorf("never reached streaming: %v", states)
	}
}

func TestClientFatalFormats(t *testing.T) {
	tests := []struct {
		name    string
		capture *fakeCapture
		want    error
	}{
		{
			name:    "unknown mix format",
			capture: &fakeCapture{formatErr: fmt.Errorf("%w: tag 0x2", capture.ErrUnknownFormat)},
			want:    capture.ErrUnknownFormat,
		},
		{
			name: "integer format",
			capture: &fakeCapture{format: audio.Format{
				Channels: 2, SampleRate: 48000, SampleFormat: audio.Int16,
			}},
			want: audio.ErrUnsupportedFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{}
			c := New(Config{ServerAddr: "server:7172"},
				WithDialer(func(context.Context, string) (transport.Transport, error) { return tr, nil }),
				WithCaptureOpener(func(time.Duration) (Capture, error) { return tt.capture, nil }),
				WithSleep(func(context.Context, time.Duration) error {
					t.Fatal("fatal format should not retry")
					return nil
				}),
			)

			err := c.Run(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Run = %v, want %v", err, tt.want)
			}
			if len(tr.sent) != 0 {
				t.Errorf("sent %d packets before failing", len(tr.sent))
			}
			if !tr.closed || tt.capture.closed != 1 {
				t.Error("transport or capture left open")
			}
		})
	}
}

func TestClientCaptureOpenFailureRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opens := 0
	c := New(Config{ServerAddr: "server:7172", Backoff: time.Second},
		WithDialer(func(context.Context, string) (transport.Transport, error) { return &fakeTransport{}, nil }),
		WithCaptureOpener(func(time.Duration) (Capture, error) {
			opens++
			return nil, &capture.NativeError{Op: "Activate", Code: 0x88890004, Description: "device invalidated"}
		}),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			if opens == 3 {
				cancel()
				return ctx.Err()
			}
			return nil
		}),
	)

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if opens != 3 {
		t.Errorf("opens = %d, want 3", opens)
	}
}

func TestClientDiscoversServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dialed string
	c := New(Config{},
		WithDialer(func(_ context.Context, addr string) (transport.Transport, error) {
			dialed = addr
			cancel()
			return nil, errors.New("refused")
		}),
		WithSleep(sleepContext),
	)
	c.discover = func(context.Context) (string, error) { return "10.0.0.5:7172", nil }

	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if dialed != "10.0.0.5:7172" {
		t.Errorf("dialed %q, want discovered address", dialed)
	}
}

func TestClientStopsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(Config{ServerAddr: "server:7172", Backoff: time.Hour},
		WithDialer(func(context.Context, string) (transport.Transport, error) {
			return nil, errors.New("refused")
		}),
	)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestSleepContext(t *testing.T) {
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Errorf("sleep: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled sleep = %v", err)
	}
}
