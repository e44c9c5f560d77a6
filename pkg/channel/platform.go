package channel

import (
	"fmt"
	"runtime"
	"slices"
)

// Platform is a conda platform subdirectory (e.g. linux-64).
type Platform string

const (
	NoArch       Platform = "noarch"
	Linux32      Platform = "linux-32"
	Linux64      Platform = "linux-64"
	LinuxAarch64 Platform = "linux-aarch64"
	LinuxArmV6l  Platform = "linux-armv6l"
	LinuxArmV7l  Platform = "linux-armv7l"
	LinuxPpc64le Platform = "linux-ppc64le"
	LinuxPpc64   Platform = "linux-ppc64"
	LinuxS390X   Platform = "linux-s390x"
	Osx64        Platform = "osx-64"
	OsxArm64     Platform = "osx-arm64"
	Win32        Platform = "win-32"
	Win64        Platform = "win-64"
	WinArm64     Platform = "win-arm64"
	Emscripten32 Platform = "emscripten-wasm32"
	Wasi32       Platform = "wasi-wasm32"
)

var knownPlatforms = []Platform{
	NoArch,
	Linux32, Linux64, LinuxAarch64, LinuxArmV6l, LinuxArmV7l, LinuxPpc64le, LinuxPpc64, LinuxS390X,
	Osx64, OsxArm64,
	Win32, Win64, WinArm64,
	Emscripten32, Wasi32,
}

func (p Platform) String() string {
	return string(p)
}

// ParsePlatform returns the Platform named by s or an error
// if s is not a known platform.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if !slices.Contains(knownPlatforms, p) {
		return "", fmt.Errorf("unknown platform: %q", s)
	}
	return p, nil
}

// Current returns the platform of the running binary.
func Current() Platform {
	return platformFor(runtime.GOOS, runtime.GOARCH)
}

func platformFor(goos, goarch string) Platform {
	switch goos {
	case "linux":
		switch goarch {
		case "amd64":
			return Linux64
		case "386":
			return Linux32
		case "arm64":
			return LinuxAarch64
		case "arm":
			return LinuxArmV7l
		case "ppc64le":
			return LinuxPpc64le
		case "ppc64":
			return LinuxPpc64
		case "s390x":
			return LinuxS390X
		}
	case "darwin":
		if goarch == "arm64" {
			return OsxArm64
		}
		return Osx64
	case "windows":
		switch goarch {
		case "386":
			return Win32
		case "arm64":
			return WinArm64
		}
		return Win64
	case "wasip1":
		return Wasi32
	case "js":
		return Emscripten32
	}
	return NoArch
}

// DefaultPlatforms returns the platforms that are queried when
// a channel does not name any explicitly.
func DefaultPlatforms() []Platform {
	current := Current()
	if current == NoArch {
		return []Platform{NoArch}
	}
	return []Platform{current, NoArch}
}
