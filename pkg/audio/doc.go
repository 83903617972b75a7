// ABOUTME: Audio fundamentals package providing core types and utilities
// ABOUTME: Defines Format, SampleFormat and Info shared by capture, protocol and playback
// Package audio provides the portable audio types used throughout loopstream.
//
// This package defines:
//   - Format: channels, sample rate and sample encoding negotiated from the capture device
//   - SampleFormat: Int8, Int16 or Float32 (only Float32 is streamed end to end)
//   - Info: advisory per-packet quality flags reported by the capture device
//
// Example:
//
//	format := audio.Format{
//	    Channels:     2,
//	    SampleRate:   48000,
//	    SampleFormat: audio.Float32,
//	}
//	bits := format.SampleFormat.BitsPerSample() // 32
package audio
