//go:build !windows

// ABOUTME: Placeholder backend for platforms without loopback capture
// ABOUTME: Lets the rest of the module build and test off Windows
package capture

// DefaultBackend reports ErrUnsupportedPlatform outside Windows
func DefaultBackend() (Backend, error) {
	return nil, ErrUnsupportedPlatform
}
