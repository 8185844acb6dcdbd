package kblayout

import (
	"strings"
)

// MatchDevices resolves enumerated devices against the configured
// bindings. Matching is a case-insensitive substring test on the device
// name. A device that matches several bindings takes the first one in
// configuration order; devices matching nothing are skipped. Bindings
// that match no device are not an error.
func MatchDevices(devices []DeviceInfo, bindings []Binding) []Match {
	var matches []Match

	for _, dev := range devices {
		name := strings.ToLower(dev.Name)
		for _, b := range bindings {
			if strings.Contains(name, strings.ToLower(b.Name)) {
				matches = append(matches, Match{
					Path:       dev.Path,
					DeviceName: dev.Name,
					Binding:    b,
				})
				break
			}
		}
	}

	return matches
}
