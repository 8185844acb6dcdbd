package kde

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	busName    = "org.kde.keyboard"
	objectPath = dbus.ObjectPath("/Layouts")
	iface      = "org.kde.KeyboardLayouts"
)

// Switcher issues layout changes to the KDE keyboard daemon over the
// session bus. The daemon is treated as a black box: calls have
// unspecified latency and failures are left to the caller to log.
type Switcher struct {
	conn *dbus.Conn
}

func NewSwitcher() (*Switcher, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}
	return &Switcher{conn: conn}, nil
}

// Activate requests that the layout at the given index becomes active.
func (s *Switcher) Activate(layout int) error {
	var ok bool
	err := s.layouts().Call(iface+".setLayout", 0, uint32(layout)).Store(&ok)
	if err != nil {
		return fmt.Errorf("setLayout(%d): %w", layout, err)
	}
	if !ok {
		return fmt.Errorf("setLayout rejected index %d", layout)
	}
	return nil
}

// CurrentLayout returns the index of the layout the backend considers
// active. Used once at startup to seed the shared layout cache.
func (s *Switcher) CurrentLayout() (int, error) {
	var idx uint32
	err := s.layouts().Call(iface+".getLayout", 0).Store(&idx)
	if err != nil {
		return 0, fmt.Errorf("getLayout: %w", err)
	}
	return int(idx), nil
}

// Layout is one entry of the session's configured layout list.
type Layout struct {
	Code    string
	Display string
	Pretty  string
}

// LayoutsList returns the session's layout list in index order.
func (s *Switcher) LayoutsList() ([]Layout, error) {
	var raw []struct {
		Code    string
		Display string
		Pretty  string
	}
	err := s.layouts().Call(iface+".getLayoutsList", 0).Store(&raw)
	if err != nil {
		return nil, fmt.Errorf("getLayoutsList: %w", err)
	}

	layouts := make([]Layout, 0, len(raw))
	for _, l := range raw {
		layouts = append(layouts, Layout(l))
	}
	return layouts, nil
}

func (s *Switcher) layouts() dbus.BusObject {
	return s.conn.Object(busName, objectPath)
}
