package control

import (
	"fmt"

	"github.com/aydiler/kb-layout-daemon/pkg/kblayout"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"
)

const (
	// BusName is the well-known identity clients address.
	BusName    = "io.github.aydiler.KbLayoutDaemon"
	ObjectPath = dbus.ObjectPath("/io/github/aydiler/KbLayoutDaemon")
	Interface  = "io.github.aydiler.KbLayoutDaemon.Control"

	errInvalidMode = BusName + ".Error.InvalidMode"
)

// Service implements the control interface: three methods that read or
// mutate the shared mode. Mutations take effect the next time each
// monitor polls the state; nothing is re-opened eagerly.
type Service struct {
	state *kblayout.State
	log   *zap.SugaredLogger
}

func NewService(state *kblayout.State, log *zap.SugaredLogger) *Service {
	return &Service{state: state, log: log}
}

func (s *Service) GetMode() (string, *dbus.Error) {
	return s.state.Mode().String(), nil
}

func (s *Service) SetMode(mode string) *dbus.Error {
	m, err := kblayout.ParseMode(mode)
	if err != nil {
		return dbus.NewError(errInvalidMode, []interface{}{
			fmt.Sprintf("mode must be \"grab\" or \"passive\", got %q", mode),
		})
	}
	s.state.SetMode(m)
	s.log.Infof("mode set to %s", m)
	return nil
}

func (s *Service) ToggleMode() (string, *dbus.Error) {
	m := s.state.ToggleMode()
	s.log.Infof("mode toggled to %s", m)
	return m.String(), nil
}

// Server holds the bus connection owning the well-known name.
type Server struct {
	conn *dbus.Conn
}

// Serve exports the control interface on a private session-bus
// connection and claims the well-known name. Losing the name race to
// another instance is an error.
func Serve(state *kblayout.State, log *zap.SugaredLogger) (*Server, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}

	svc := NewService(state, log)
	if err := conn.Export(svc, ObjectPath, Interface); err != nil {
		conn.Close()
		return nil, fmt.Errorf("export control interface: %w", err)
	}

	node := &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: Interface,
				Methods: []introspect.Method{
					{Name: "GetMode", Args: []introspect.Arg{
						{Name: "mode", Type: "s", Direction: "out"},
					}},
					{Name: "SetMode", Args: []introspect.Arg{
						{Name: "mode", Type: "s", Direction: "in"},
					}},
					{Name: "ToggleMode", Args: []introspect.Arg{
						{Name: "mode", Type: "s", Direction: "out"},
					}},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("bus name %s is taken, is another instance running?", BusName)
	}

	log.Infof("control surface listening on %s", BusName)

	return &Server{conn: conn}, nil
}

func (s *Server) Close() error {
	return s.conn.Close()
}
