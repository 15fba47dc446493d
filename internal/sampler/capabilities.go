package sampler

import (
	"strings"

	"github.com/shirou/gopsutil/host"

	"github.com/benmeehan/driver-agent/pkg/location"
)

// Platform identifies the host operating system family.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformWindows Platform = "windows"
)

// Capabilities holds the platform-specific knobs of the sampler.
type Capabilities struct {
	Platform Platform
	// SeparateBackgroundPermission means background access is a distinct, optional grant.
	SeparateBackgroundPermission bool
	// HighAccuracy is the watch accuracy used when high accuracy is enabled.
	HighAccuracy location.Accuracy
	// InitialFixAccuracy is used for the best-effort fix taken when tracking starts.
	InitialFixAccuracy location.Accuracy
}

var capabilityTable = map[Platform]Capabilities{
	PlatformIOS: {
		Platform:                     PlatformIOS,
		SeparateBackgroundPermission: true,
		HighAccuracy:                 location.AccuracyBestForNavigation,
		InitialFixAccuracy:           location.AccuracyBalanced,
	},
	PlatformAndroid: {
		Platform:           PlatformAndroid,
		HighAccuracy:       location.AccuracyBestForNavigation,
		InitialFixAccuracy: location.AccuracyBalanced,
	},
	PlatformLinux: {
		Platform:           PlatformLinux,
		HighAccuracy:       location.AccuracyHigh,
		InitialFixAccuracy: location.AccuracyBalanced,
	},
	PlatformDarwin: {
		Platform:           PlatformDarwin,
		HighAccuracy:       location.AccuracyHigh,
		InitialFixAccuracy: location.AccuracyBalanced,
	},
	PlatformWindows: {
		Platform:           PlatformWindows,
		HighAccuracy:       location.AccuracyHigh,
		InitialFixAccuracy: location.AccuracyBalanced,
	},
}

// CapabilitiesFor returns the table entry for platform, falling back to linux.
func CapabilitiesFor(platform Platform) Capabilities {
	if caps, ok := capabilityTable[platform]; ok {
		return caps
	}
	return capabilityTable[PlatformLinux]
}

// DetectPlatform resolves a configured platform name. "auto" or empty asks the host.
func DetectPlatform(configured string) Platform {
	configured = strings.ToLower(strings.TrimSpace(configured))
	if configured != "" && configured != "auto" {
		return Platform(configured)
	}

	info, err := host.Info()
	if err != nil || info == nil {
		return PlatformLinux
	}
	switch strings.ToLower(info.OS) {
	case "darwin":
		return PlatformDarwin
	case "windows":
		return PlatformWindows
	case "android":
		return PlatformAndroid
	case "ios":
		return PlatformIOS
	default:
		return PlatformLinux
	}
}
