package telemetry

import "strings"

// DeviceClass is the coarse hardware tier of the render surface.
type DeviceClass string

const (
	DeviceUnknown DeviceClass = ""
	DeviceDesktop DeviceClass = "desktop"
	DeviceTablet  DeviceClass = "tablet"
	DeviceMobile  DeviceClass = "mobile"
	DeviceLowEnd  DeviceClass = "low_end"
)

// ConnectionClass is the coarse network tier of the render surface.
type ConnectionClass string

const (
	ConnectionUnknown  ConnectionClass = ""
	ConnectionFast     ConnectionClass = "fast"
	ConnectionModerate ConnectionClass = "moderate"
	ConnectionSlow     ConnectionClass = "slow"
	ConnectionOffline  ConnectionClass = "offline"
)

// DeviceInfo is what a render surface reports about its hardware.
type DeviceInfo struct {
	UserAgent           string  `json:"user_agent"`
	ScreenWidth         int     `json:"screen_width" validate:"gte=0"`
	HardwareConcurrency int     `json:"hardware_concurrency" validate:"gte=0"`
	DeviceMemoryGB      float64 `json:"device_memory_gb" validate:"gte=0"`
	Touch               bool    `json:"touch"`
}

// ConnectionInfo is what a render surface reports about its network.
type ConnectionInfo struct {
	EffectiveType string  `json:"effective_type"`
	DownlinkMbps  float64 `json:"downlink_mbps" validate:"gte=0"`
	RTTMs         float64 `json:"rtt_ms" validate:"gte=0"`
	Online        *bool   `json:"online,omitempty"`
}

// Environment is the classified device and network of the render surface.
type Environment struct {
	Device     DeviceClass     `json:"device"`
	Connection ConnectionClass `json:"connection"`
}

// ClassifyDevice maps reported hardware to a device class.
func ClassifyDevice(info DeviceInfo) DeviceClass {
	ua := strings.ToLower(info.UserAgent)

	if (info.DeviceMemoryGB > 0 && info.DeviceMemoryGB <= 2) ||
		(info.HardwareConcurrency > 0 && info.HardwareConcurrency <= 2) {
		return DeviceLowEnd
	}
	if strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet") ||
		(info.Touch && info.ScreenWidth >= 768 && info.ScreenWidth < 1280) {
		return DeviceTablet
	}
	if strings.Contains(ua, "mobi") || strings.Contains(ua, "iphone") || strings.Contains(ua, "android") ||
		(info.Touch && info.ScreenWidth > 0 && info.ScreenWidth < 768) {
		return DeviceMobile
	}
	if ua == "" && info.ScreenWidth == 0 && info.HardwareConcurrency == 0 {
		return DeviceUnknown
	}
	return DeviceDesktop
}

// ClassifyConnection maps reported network conditions to a connection class.
func ClassifyConnection(info ConnectionInfo) ConnectionClass {
	if info.Online != nil && !*info.Online {
		return ConnectionOffline
	}
	switch strings.ToLower(info.EffectiveType) {
	case "slow-2g", "2g", "3g":
		return ConnectionSlow
	}
	if (info.DownlinkMbps > 0 && info.DownlinkMbps < 1.5) || info.RTTMs >= 400 {
		return ConnectionSlow
	}
	if (info.DownlinkMbps > 0 && info.DownlinkMbps < 10) || info.RTTMs >= 150 {
		return ConnectionModerate
	}
	if info.EffectiveType == "" && info.DownlinkMbps == 0 && info.RTTMs == 0 {
		return ConnectionUnknown
	}
	return ConnectionFast
}

// Classify classifies both halves of the environment.
func Classify(device DeviceInfo, conn ConnectionInfo) Environment {
	return Environment{
		Device:     ClassifyDevice(device),
		Connection: ClassifyConnection(conn),
	}
}
