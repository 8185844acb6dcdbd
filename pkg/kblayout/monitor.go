package kblayout

import (
	"fmt"

	evdev "github.com/holoplot/go-evdev"
	"go.uber.org/zap"
)

// Monitor owns one physical keyboard for its whole lifetime. It reads
// events in a blocking loop, requests a layout switch on key presses,
// and forwards events through the virtual keyboard while the device is
// grabbed. A monitor that hits a read error closes its device and
// terminates; it is never restarted and other monitors are unaffected.
type Monitor struct {
	match     Match
	dev       Device
	state     *State
	switcher  Switcher
	forwarder Forwarder
	log       *zap.SugaredLogger

	// grabbed tracks whether this monitor currently holds the device
	// exclusively. It is only touched from the monitor's own goroutine.
	grabbed bool
}

func NewMonitor(match Match, dev Device, state *State, switcher Switcher, forwarder Forwarder, log *zap.SugaredLogger) *Monitor {
	return &Monitor{
		match:     match,
		dev:       dev,
		state:     state,
		switcher:  switcher,
		forwarder: forwarder,
		log:       log,
	}
}

// Run blocks until the device fails. It grabs the device first when the
// shared mode is grab at entry; later mode changes are picked up on key
// presses, the only points where a monitor polls the shared state.
func (m *Monitor) Run() error {
	defer m.dev.Close()

	if m.state.Mode() == ModeGrab {
		if err := m.dev.Grab(); err != nil {
			return fmt.Errorf("grab %q: %w", m.match.DeviceName, err)
		}
		m.grabbed = true
	}

	m.log.Infof("monitoring %q at %s -> %s (index %d), grabbed=%v",
		m.match.DeviceName, m.match.Path, m.match.Binding.LayoutName, m.match.Binding.LayoutIndex, m.grabbed)

	for {
		ev, err := m.dev.ReadOne()
		if err != nil {
			return fmt.Errorf("read %q: %w", m.match.DeviceName, err)
		}
		m.handle(ev)
	}
}

func (m *Monitor) handle(ev *evdev.InputEvent) {
	if ev.Type == evdev.EV_KEY && ev.Value == 1 {
		m.handleKeyPress(ev)
		return
	}

	// Repeats, releases, scan codes, axis motion and sync markers are
	// passed through untouched while grabbed, and ignored otherwise.
	if m.grabbed {
		m.forward(ev)
	}
}

func (m *Monitor) handleKeyPress(ev *evdev.InputEvent) {
	want := m.match.Binding.LayoutIndex
	if m.state.Layout() != want {
		m.log.Infof("switching layout to %s (index %d), input from %q",
			m.match.Binding.LayoutName, want, m.match.DeviceName)
		// Issued before the key is forwarded so the backend has maximal
		// time to apply it before the keystroke reaches the session.
		// The cache is updated either way; the call is never retried.
		if err := m.switcher.Activate(want); err != nil {
			m.log.Errorf("switch layout to index %d: %v", want, err)
		}
		m.state.NoteLayout(want)
	}

	mode := m.state.Mode()
	switch {
	case m.grabbed:
		// This press was intercepted, the session must still see it.
		m.forward(ev)
		if mode == ModePassive {
			if err := m.dev.Ungrab(); err != nil {
				m.log.Warnf("ungrab %q: %v", m.match.DeviceName, err)
				return
			}
			m.grabbed = false
			m.log.Infof("released %q, now passive", m.match.DeviceName)
		}
	case mode == ModeGrab:
		// The press that triggers the grab already reached the session
		// directly, so it is not forwarded.
		if err := m.dev.Grab(); err != nil {
			m.log.Warnf("grab %q: %v", m.match.DeviceName, err)
			return
		}
		m.grabbed = true
		m.log.Infof("grabbed %q", m.match.DeviceName)
	}
}

func (m *Monitor) forward(ev *evdev.InputEvent) {
	if err := m.forwarder.Forward(ev); err != nil {
		m.log.Errorf("forward event from %q: %v", m.match.DeviceName, err)
	}
}
