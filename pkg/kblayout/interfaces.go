package kblayout

import (
	evdev "github.com/holoplot/go-evdev"
)

// Device is one open physical input device, owned by a single Monitor.
type Device interface {
	ReadOne() (*evdev.InputEvent, error)
	Grab() error
	Ungrab() error
	Close() error
}

// Forwarder re-emits intercepted events through the virtual keyboard.
type Forwarder interface {
	Forward(ev *evdev.InputEvent) error
}

// Switcher asks the layout backend to activate a layout. The call is
// fire-and-forget: callers log failures and never retry.
type Switcher interface {
	Activate(layout int) error
}

// Binding associates a device-name substring with a layout index.
type Binding struct {
	Name        string
	LayoutIndex int
	LayoutName  string
}

// DeviceInfo describes an enumerated input device before it is opened.
type DeviceInfo struct {
	Path string
	Name string
}

// Match is a device that resolved to a binding.
type Match struct {
	Path       string
	DeviceName string
	Binding    Binding
}
