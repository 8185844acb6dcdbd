package inputdev

import (
	"fmt"
	"sort"
	"sync"

	evdev "github.com/holoplot/go-evdev"
)

// forwardedTypes are the event types the virtual keyboard must be able
// to emit on behalf of the grabbed physical devices: keys, scan-code
// reports and relative axes. Missing any of these makes the affected
// keys silently disappear at the session level.
var forwardedTypes = []evdev.EvType{evdev.EV_KEY, evdev.EV_MSC, evdev.EV_REL}

// CapableDevice is the subset of evdev.InputDevice needed to build the
// virtual keyboard's capability set.
type CapableDevice interface {
	CapableTypes() []evdev.EvType
	CapableEvents(t evdev.EvType) []evdev.EvCode
}

// UnionCapabilities merges the forwardable capabilities of all matched
// physical keyboards into one capability map for the virtual device.
// The code lists are deduplicated and sorted.
func UnionCapabilities(devs []CapableDevice) map[evdev.EvType][]evdev.EvCode {
	seen := make(map[evdev.EvType]map[evdev.EvCode]bool)

	for _, dev := range devs {
		for _, t := range dev.CapableTypes() {
			wanted := false
			for _, ft := range forwardedTypes {
				if t == ft {
					wanted = true
					break
				}
			}
			if !wanted {
				continue
			}
			if seen[t] == nil {
				seen[t] = make(map[evdev.EvCode]bool)
			}
			for _, code := range dev.CapableEvents(t) {
				seen[t][code] = true
			}
		}
	}

	caps := make(map[evdev.EvType][]evdev.EvCode, len(seen))
	for t, codes := range seen {
		list := make([]evdev.EvCode, 0, len(codes))
		for code := range codes {
			list = append(list, code)
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		caps[t] = list
	}

	return caps
}

// Synthesizer owns the single process-wide uinput keyboard. Forward
// serializes writes from concurrent monitors so events from different
// devices never interleave mid-write. The underlying device is created
// lazily and lives until Close.
type Synthesizer struct {
	name string
	caps map[evdev.EvType][]evdev.EvCode

	mu  sync.Mutex
	dev *evdev.InputDevice
}

func NewSynthesizer(name string, caps map[evdev.EvType][]evdev.EvCode) *Synthesizer {
	return &Synthesizer{name: name, caps: caps}
}

// Ensure creates the uinput device if it does not exist yet. Called at
// startup when the initial mode is grab, so a permission failure
// surfaces as a startup error instead of on the first keystroke.
func (s *Synthesizer) Ensure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked()
}

func (s *Synthesizer) ensureLocked() error {
	if s.dev != nil {
		return nil
	}

	dev, err := evdev.CreateDevice(s.name, evdev.InputID{
		BusType: 0x03,
		Vendor:  0x4711,
		Product: 0x0816,
		Version: 1,
	}, s.caps)
	if err != nil {
		return fmt.Errorf("create uinput device %q: %w", s.name, err)
	}

	s.dev = dev
	return nil
}

// Forward writes one event to the virtual device, creating it on first
// need.
func (s *Synthesizer) Forward(ev *evdev.InputEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureLocked(); err != nil {
		return err
	}
	if err := s.dev.WriteOne(ev); err != nil {
		return fmt.Errorf("write to uinput device: %w", err)
	}
	return nil
}

func (s *Synthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dev == nil {
		return nil
	}
	err := s.dev.Close()
	s.dev = nil
	return err
}
