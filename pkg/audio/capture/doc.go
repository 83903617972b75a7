// ABOUTME: Package documentation for loopback capture
// ABOUTME: Describes the engine lifecycle and the backend seam
// Package capture records whatever the default render endpoint is playing.
//
// An Engine walks the native handle chain on Open (environment, device
// enumerator, default render endpoint, audio client, mix format, capture
// client) and releases it in reverse on Close. ReadSamples drains the
// packets queued since the last call without waiting for new ones:
//
//	backend, err := capture.DefaultBackend()
//	engine, err := capture.Open(backend, 100*time.Millisecond)
//	defer engine.Close()
//	format, err := engine.Format()
//	engine.Start()
//	engine.ReadSamples(func(samples []float32, info audio.Info) error {
//		return nil
//	})
//
// The native layer sits behind the Backend interface so the engine logic
// runs on any platform with a fake.
package capture
