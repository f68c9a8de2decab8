package browser

import "github.com/pixelproof/adcapture/internal/capture"

// DefaultDevices returns the stock emulation profiles. Configuration may
// override any of them; lookups never mutate the table.
func DefaultDevices() map[capture.DeviceType]capture.DeviceProfile {
	return map[capture.DeviceType]capture.DeviceProfile{
		capture.DeviceAndroid: {
			Type:      capture.DeviceAndroid,
			Width:     393,
			Height:    851,
			Scale:     2.75,
			Mobile:    true,
			Touch:     true,
			UserAgent: "Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
		},
		capture.DeviceIOS: {
			Type:      capture.DeviceIOS,
			Width:     390,
			Height:    844,
			Scale:     3,
			Mobile:    true,
			Touch:     true,
			UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
		},
		capture.DeviceDesktop: {
			Type:      capture.DeviceDesktop,
			Width:     1920,
			Height:    1080,
			Scale:     1,
			Mobile:    false,
			Touch:     false,
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
	}
}

// profileFor resolves the emulation profile for a device type, falling back
// to the desktop profile for unknown types.
func profileFor(devices map[capture.DeviceType]capture.DeviceProfile, device capture.DeviceType) capture.DeviceProfile {
	if p, ok := devices[device]; ok {
		return p
	}
	if p, ok := devices[capture.DeviceDesktop]; ok {
		return p
	}
	return DefaultDevices()[capture.DeviceDesktop]
}
