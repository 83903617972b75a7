// ABOUTME: Build and product identification
// ABOUTME: Version is overridden at link time with -ldflags "-X ...version.Version=..."
package version

// Version is the release version
var Version = "0.1.0"

const (
	// Product is the product name reported in logs and mDNS records
	Product = "loopstream"

	// Manufacturer is the project that ships the product
	Manufacturer = "loopstream"
)

// String returns "product version"
func String() string {
	return Product + " " + Version
}
