package version

// Version is the current version of the stockdeck client.
// This value is set at build time using ldflags:
// -ldflags "-X github.com/quantrix-lab/stockdeck/internal/version.Version=1.2.3"
// The default value "main" indicates a development build.
var Version = "v0.3.0"

// GetVersion returns the current version of the client.
func GetVersion() string {
	return Version
}
