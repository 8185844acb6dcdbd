package kblayout

import (
	"errors"
	"fmt"
	"sync"
)

// Mode selects how monitors acquire their devices.
type Mode int

const (
	// ModePassive observes events only; the session keeps reading the
	// real device.
	ModePassive Mode = iota
	// ModeGrab takes devices exclusively and re-emits their events
	// through the virtual keyboard.
	ModeGrab
)

var ErrInvalidMode = errors.New("invalid mode")

func (m Mode) String() string {
	if m == ModeGrab {
		return "grab"
	}
	return "passive"
}

// ParseMode maps "grab"/"passive" to a Mode. Anything else is
// ErrInvalidMode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "grab":
		return ModeGrab, nil
	case "passive":
		return ModePassive, nil
	}
	return ModePassive, fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// State is the process-wide mutable state shared between every monitor
// and the control surface: the operating mode and the last layout index
// any monitor requested. The layout field is a best-effort cache, not
// the truth about the real session layout; last write wins, which is
// fine because the downstream setLayout call is idempotent.
type State struct {
	mu     sync.Mutex
	mode   Mode
	layout int
}

// NewState returns a State in the given mode with the layout cache
// unset (-1).
func NewState(initial Mode) *State {
	return &State{mode: initial, layout: -1}
}

func (s *State) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *State) SetMode(m Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// ToggleMode flips grab<->passive and returns the new mode.
func (s *State) ToggleMode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeGrab {
		s.mode = ModePassive
	} else {
		s.mode = ModeGrab
	}
	return s.mode
}

// Layout returns the last requested layout index, or -1 if no request
// has been made yet.
func (s *State) Layout() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

func (s *State) NoteLayout(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layout = i
}
