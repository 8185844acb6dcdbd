package inputdev

import (
	"fmt"
	"os"

	"github.com/aydiler/kb-layout-daemon/pkg/kblayout"
	evdev "github.com/holoplot/go-evdev"
)

// Keyboards lists the input devices under /dev/input that report key
// events. Devices that cannot be opened for inspection are skipped.
func Keyboards() ([]kblayout.DeviceInfo, error) {
	paths, err := evdev.ListDevicePaths()
	if err != nil {
		return nil, fmt.Errorf("list input devices: %w", err)
	}

	var keyboards []kblayout.DeviceInfo
	for _, p := range paths {
		dev, err := evdev.OpenWithFlags(p.Path, os.O_RDONLY)
		if err != nil {
			continue
		}
		if hasKeys(dev) {
			keyboards = append(keyboards, kblayout.DeviceInfo{Path: p.Path, Name: p.Name})
		}
		dev.Close()
	}

	return keyboards, nil
}

func hasKeys(dev *evdev.InputDevice) bool {
	for _, t := range dev.CapableTypes() {
		if t == evdev.EV_KEY {
			return true
		}
	}
	return false
}

// Open opens a device read-write for monitoring. The returned device
// satisfies kblayout.Device.
func Open(path string) (*evdev.InputDevice, error) {
	dev, err := evdev.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return dev, nil
}
