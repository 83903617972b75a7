// ABOUTME: Tests for the packet transports
// ABOUTME: Exercises TCP (plain and compressed), UDP framing and WebSocket over loopback sockets
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/loopstream/loopstream-go/pkg/audio"
	"github.com/loopstream/loopstream-go/pkg/protocol"
)

var testFormat = audio.Format{Channels: 2, SampleRate: 48000, SampleFormat: audio.Float32}

func batch(n int, offset float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = offset + float32(i)/float32(n)
	}
	return s
}

func sessionPackets() []protocol.Packet {
	return []protocol.Packet{
		protocol.Henlo{ClientName: "test-pc", Format: testFormat},
		protocol.Data{Samples: batch(960, 0)},
		protocol.Data{Samples: batch(960, 1)},
		protocol.Data{Samples: batch(960, 2)},
	}
}

func TestStreamRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			if err != nil {
				t.Fatal(err)
			}
			defer ln.Close()

			opts := Options{Compress: compress}
			packets := sessionPackets()

			sendErr := make(chan error, 1)
			go func() {
				client, err := DialStream(context.Background(), ln.Addr().String(), opts)
				if err != nil {
					sendErr <- err
					return
				}
				defer client.Close()
				for _, p := range packets {
					if err := client.Send(p); err != nil {
						sendErr <- err
						return
					}
				}
				sendErr <- nil
				// keep the connection open until the reader is done
				time.Sleep(200 * time.Millisecond)
			}()

			conn, err := ln.Accept()
			if err != nil {
				t.Fatal(err)
			}
			server := NewStream(conn, opts)
			defer server.Close()

			for i, want := range packets {
				got, addr, err := server.Recv()
				if err != nil {
					t.Fatalf("packet %d: %v", i, err)
				}
				if addr == nil {
					t.Error("expected remote address")
				}
				if !reflect.DeepEqual(got, want) {
					t.Fatalf("packet %d mismatch", i)
				}
			}

			if err := <-sendErr; err != nil {
				t.Fatalf("send failed: %v", err)
			}
		})
	}
}

func TestStreamDecodeErrorIsFatal(t *testing.T) {
	client, serverConn := net.Pipe()
	server := NewStream(serverConn, Options{})
	defer server.Close()

	go func() {
		client.Write([]byte{0x07})
		client.Close()
	}()

	_, _, err := server.Recv()
	var derr *protocol.DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestStreamEOF(t *testing.T) {
	client, serverConn := net.Pipe()
	server := NewStream(serverConn, Options{})
	defer server.Close()

	client.Close()
	if _, _, err := server.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestReadFrame(t *testing.T) {
	good, err := AppendFrame(nil, protocol.Data{Samples: []float32{0.5, -0.5}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		input   []byte
		wantEOF bool
		wantErr bool
	}{
		{"valid", good, false, false},
		{"empty", nil, true, true},
		{"short prefix", good[:3], true, true},
		{"payload shorter than prefix", good[:len(good)-1], true, true},
		{"length claims more", append(binary.LittleEndian.AppendUint32(nil, 1000), 0x01, 0x00), true, true},
		{"trailing bytes", append(append([]byte(nil), good...), 0xAA), false, true},
		{"bad payload", append(binary.LittleEndian.AppendUint32(nil, 1), 0x09), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ReadFrame(tt.input)
			if tt.wantEOF && !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
			}
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(p, protocol.Data{Samples: []float32{0.5, -0.5}}) {
				t.Errorf("unexpected packet %+v", p)
			}
		})
	}
}

func TestAppendFramePrefix(t *testing.T) {
	frame, err := AppendFrame([]byte{0xEE}, protocol.Henlo{ClientName: "a", Format: testFormat})
	if err != nil {
		t.Fatal(err)
	}
	if frame[0] != 0xEE {
		t.Error("existing prefix bytes overwritten")
	}
	size := binary.LittleEndian.Uint32(frame[1:5])
	if int(size) != len(frame)-5 {
		t.Errorf("prefix %d does not match payload %d", size, len(frame)-5)
	}
}

func TestDatagramRoundTrip(t *testing.T) {
	server, err := ListenDatagram("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client, err := DialDatagram(context.Background(), server.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	for _, p := range sessionPackets() {
		if err := client.Send(p); err != nil {
			t.Fatalf("send: %v", err)
		}

		got, addr, err := server.Recv()
		if err != nil {
			t.Fatalf("recv: %v", err)
		}
		if portOf(addr) != portOf(client.LocalAddr()) {
			t.Errorf("unexpected source %v", addr)
		}
		if !reflect.DeepEqual(got, p) {
			t.Errorf("packet mismatch for %v", p.Kind())
		}
	}
}

func portOf(addr net.Addr) string {
	_, port, _ := net.SplitHostPort(addr.String())
	return ":" + port
}

func TestDatagramSplitsLargeBatches(t *testing.T) {
	server, err := ListenDatagram("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	client, err := DialDatagram(context.Background(), server.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	samples := batch(MaxSamplesPerDatagram+100, 0)
	if err := client.Send(protocol.Data{Samples: samples}); err != nil {
		t.Fatal(err)
	}

	var got []float32
	for len(got) < len(samples) {
		server.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		p, _, err := server.Recv()
		if err != nil {
			t.Fatalf("recv after %d samples: %v", len(got), err)
		}
		got = append(got, p.(protocol.Data).Samples...)
	}

	if !reflect.DeepEqual(got, samples) {
		t.Error("reassembled samples differ")
	}
}

func TestDatagramSendWithoutPeer(t *testing.T) {
	d, err := ListenDatagram("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if err := d.Send(protocol.Data{}); !errors.Is(err, ErrNoPeer) {
		t.Errorf("expected ErrNoPeer, got %v", err)
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	received := make(chan protocol.Packet, 8)
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != WebSocketPath {
			http.NotFound(w, r)
			return
		}
		ws, err := Upgrade(w, r)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		for {
			p, _, err := ws.Recv()
			if err != nil {
				close(done)
				return
			}
			received <- p
		}
	}))
	defer srv.Close()

	addr := strings.TrimPrefix(srv.URL, "http://")
	client, err := DialWebSocket(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}

	packets := sessionPackets()
	for _, p := range packets {
		if err := client.Send(p); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range packets {
		select {
		case got := <-received:
			if !reflect.DeepEqual(got, want) {
				t.Errorf("packet %d mismatch", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for packet %d", i)
		}
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("server did not observe close")
	}
}

func TestDialUnknownKind(t *testing.T) {
	if _, err := Dial(context.Background(), "carrier-pigeon", "x:1", Options{}); err == nil {
		t.Error("expected error for unknown transport")
	}
}
