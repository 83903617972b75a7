// ABOUTME: Oto-based audio output implementation
// ABOUTME: Feeds an oto player from a non-blocking Source reader in float32 little-endian
package output

import (
	"fmt"
	"log"
	"sync"

	"github.com/ebitengine/oto/v3"
	"github.com/loopstream/loopstream-go/pkg/audio"
)

// oto allows one context per process. It is created on first Open with
// that format and shared by every Oto output afterwards.
var (
	sharedMu     sync.Mutex
	sharedCtx    *oto.Context
	sharedFormat audio.Format
)

// Oto output implementation using oto library
type Oto struct {
	player *oto.Player
	reader *sourceReader
}

// NewOto creates a new Oto output
func NewOto() Output {
	return &Oto{}
}

// Open initializes the output device. A process can only ever play one
// format through oto; asking for another returns an error.
func (o *Oto) Open(format audio.Format, src Source) error {
	if err := checkFormat(format); err != nil {
		return err
	}

	ctx, err := otoContext(format)
	if err != nil {
		return err
	}

	if o.player != nil {
		o.player.Close()
	}

	o.reader = &sourceReader{src: src}
	o.player = ctx.NewPlayer(o.reader)
	o.player.Play()

	log.Printf("Audio output initialized: %s (oto/f32le)", format)

	return nil
}

// otoContext returns the process-wide context, creating it or resuming it
// after a Close
func otoContext(format audio.Format) (*oto.Context, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedCtx != nil {
		if err := sameOtoFormat(sharedFormat, format); err != nil {
			return nil, err
		}
		if err := sharedCtx.Resume(); err != nil {
			return nil, fmt.Errorf("failed to resume oto context: %w", err)
		}
		return sharedCtx, nil
	}

	op := &oto.NewContextOptions{
		SampleRate:   int(format.SampleRate),
		ChannelCount: int(format.Channels),
		Format:       oto.FormatFloat32LE,
	}

	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	sharedCtx = ctx
	sharedFormat = format
	return ctx, nil
}

func sameOtoFormat(running, want audio.Format) error {
	if running != want {
		return fmt.Errorf("%w: oto is already playing %s and cannot switch to %s in this process (use another output backend)",
			audio.ErrUnsupportedFormat, running, want)
	}
	return nil
}

// Close stops the player and suspends the shared context
func (o *Oto) Close() error {
	if o.player != nil {
		if err := o.player.Close(); err != nil {
			log.Printf("Warning: oto player close error: %v", err)
		}
		o.player = nil
	}

	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedCtx != nil {
		if err := sharedCtx.Suspend(); err != nil {
			log.Printf("Warning: oto suspend error: %v", err)
		}
	}
	return nil
}

// sourceReader adapts a Source to io.Reader. It never blocks and never
// returns a short read, so the player sees silence on underrun.
type sourceReader struct {
	src     Source
	scratch []float32
}

func (r *sourceReader) Read(p []byte) (int, error) {
	n := len(p) / 4
	if n == 0 {
		return 0, nil
	}
	if cap(r.scratch) < n {
		r.scratch = make([]float32, n)
	}
	samples := r.scratch[:n]
	r.src.Read(samples)
	audio.PutFloat32s(p, samples)
	return n * 4, nil
}
