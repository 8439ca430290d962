// Package osutil provides small helpers for detecting the runtime
// operating system and execution environment.
package osutil

import (
	"os"
	"runtime"
)

// OS type constants
const (
	Windows = "windows"
	MacOS   = "darwin"
	Linux   = "linux"
)

// GetOSType returns the current operating system type
func GetOSType() string {
	return runtime.GOOS
}

// IsWindows returns true if running on Windows
func IsWindows() bool {
	return GetOSType() == Windows
}

// IsMacOS returns true if running on macOS (Darwin)
func IsMacOS() bool {
	return GetOSType() == MacOS
}

// IsLinux returns true if running on Linux
func IsLinux() bool {
	return GetOSType() == Linux
}

// IsUnix returns true if running on a Unix-like system (macOS, Linux, BSD, etc.)
func IsUnix() bool {
	return IsMacOS() || IsLinux() || GetOSType() == "freebsd" ||
		GetOSType() == "openbsd" || GetOSType() == "netbsd"
}

// IsDevEnvironment checks if the application is running in a development
// environment based on environment variables
func IsDevEnvironment() bool {
	return os.Getenv("PARTIMAGE_ENV") == "development" ||
		os.Getenv("PARTIMAGE_DEV") == "true" ||
		os.Getenv("DEV") == "true" ||
		os.Getenv("DEBUG") == "true"
}

// IsContainerized attempts to detect if running in a container environment
func IsContainerized() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if _, err := os.Stat("/var/run/secrets/kubernetes.io"); err == nil {
		return true
	}
	return false
}
