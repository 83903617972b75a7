// ABOUTME: Audio output package for playing received streams
// ABOUTME: Provides the playback ring buffer and malgo, oto and PortAudio outputs
// Package output provides local playback for received audio.
//
// Samples arrive from the network in bursts and are pushed onto a
// RingBuffer. An Output pulls from that buffer on the device's own
// callback thread and substitutes silence when the buffer runs dry.
//
// Example:
//
//	ring := output.NewRingBufferFor(format, output.DefaultBufferDuration)
//	out, err := output.New(output.BackendMalgo)
//	err = out.Open(format, ring)
//	ring.Push(samples)
package output
