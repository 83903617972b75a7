// ABOUTME: probe command
// ABOUTME: Opens loopback capture, reports the negotiated format and per-poll packet sizes
package main

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/loopstream/loopstream-go/internal/client"
	"github.com/loopstream/loopstream-go/internal/config"
	"github.com/loopstream/loopstream-go/pkg/audio"
)

func runProbe(ctx context.Context, w io.Writer, cfg *config.Config) error {
	// COM init and teardown must happen on the same OS thread
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	capt, err := client.OpenLoopback(cfg.BufferDuration)
	if err != nil {
		return err
	}
	defer capt.Close()

	return probe(ctx, w, capt, cfg.BufferDuration, cfg.ProbeCycles)
}

func probe(ctx context.Context, w io.Writer, capt client.Capture, bufferDuration time.Duration, cycles int) error {
	format, err := capt.Format()
	if err != nil {
		return err
	}
	frames := capt.BufferFrames()
	realized := format.FramesToDuration(frames)

	fmt.Fprintf(w, "format:        %s\n", format)
	fmt.Fprintf(w, "buffer:        %d frames (%v requested, %v realized)\n", frames, bufferDuration, realized)

	interval := realized / 2
	if interval <= 0 {
		interval = bufferDuration / 2
	}

	if err := capt.Start(); err != nil {
		return err
	}
	defer capt.Stop()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for cycle := 1; cycle <= cycles; cycle++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		packets := 0
		err := capt.ReadSamples(func(samples []float32, info audio.Info) error {
			packets++
			fmt.Fprintf(w, "cycle %3d: packet %d, %5d frames%s\n",
				cycle, packets, len(samples)/int(format.Channels), flagString(info))
			return nil
		})
		if err != nil {
			return err
		}
		if packets == 0 {
			fmt.Fprintf(w, "cycle %3d: no packets\n", cycle)
		}
	}
	return nil
}

func flagString(info audio.Info) string {
	s := ""
	if info.IsSilent {
		s += " silent"
	}
	if info.DataDiscontinuity {
		s += " discontinuity"
	}
	if info.TimestampError {
		s += " timestamp-error"
	}
	return s
}
