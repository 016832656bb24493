package sync

import (
	"fmt"
	"os"
	"runtime"
)

// Fingerprint produces a stable device identifier from hostname, OS, and
// architecture. The relay binds the device id it issues to this value.
func Fingerprint() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s-%s", hostname, runtime.GOOS, runtime.GOARCH)
}
