package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aydiler/kb-layout-daemon/pkg/config"
	"github.com/aydiler/kb-layout-daemon/pkg/control"
	"github.com/aydiler/kb-layout-daemon/pkg/inputdev"
	"github.com/aydiler/kb-layout-daemon/pkg/kblayout"
	"github.com/aydiler/kb-layout-daemon/pkg/kde"
	"github.com/aydiler/kb-layout-daemon/pkg/xkb"
	"github.com/coreos/go-systemd/v22/daemon"
	evdev "github.com/holoplot/go-evdev"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var errNoKeyboards = errors.New("no configured keyboards found")

func main() {
	err := run()
	if err != nil {
		log.Fatalf("error: %+v", err)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultPath(), "path to config.toml")
	evdevXmlPath := flag.String("evdev-xml-path", "/usr/share/X11/xkb/rules/evdev.xml", "path to evdev.xml")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log, err := newLogger(*debug)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	state := kblayout.NewState(cfg.InitialMode())
	log.Infof("starting in %s mode", state.Mode())

	devices, err := inputdev.Keyboards()
	if err != nil {
		return fmt.Errorf("enumerate keyboards: %w", err)
	}

	matches := kblayout.MatchDevices(devices, cfg.Bindings())
	if len(matches) == 0 {
		log.Error("no configured keyboards found, available devices:")
		for _, d := range devices {
			log.Errorf("  %s: %s", d.Path, d.Name)
		}
		return errNoKeyboards
	}

	opened := make([]*evdev.InputDevice, 0, len(matches))
	for _, m := range matches {
		dev, err := inputdev.Open(m.Path)
		if err != nil {
			for _, d := range opened {
				d.Close()
			}
			return fmt.Errorf("open device: %w", err)
		}
		opened = append(opened, dev)
	}

	capDevs := make([]inputdev.CapableDevice, 0, len(opened))
	for _, d := range opened {
		capDevs = append(capDevs, d)
	}
	synth := inputdev.NewSynthesizer("kb-layout-daemon virtual keyboard", inputdev.UnionCapabilities(capDevs))
	defer synth.Close()

	if state.Mode() == kblayout.ModeGrab {
		if err := synth.Ensure(); err != nil {
			return fmt.Errorf("create virtual keyboard: %w", err)
		}
	}

	switcher, err := kde.NewSwitcher()
	if err != nil {
		return fmt.Errorf("connect layout backend: %w", err)
	}

	if current, err := switcher.CurrentLayout(); err != nil {
		log.Warnf("query current layout: %v", err)
	} else {
		state.NoteLayout(current)
		log.Infof("current layout index: %d", current)
	}

	logBindings(cfg, switcher, *evdevXmlPath, log)

	server, err := control.Serve(state, log)
	if err != nil {
		return fmt.Errorf("start control surface: %w", err)
	}
	defer server.Close()

	for i, m := range matches {
		mon := kblayout.NewMonitor(m, opened[i], state, switcher, synth, log)
		go func() {
			// A dead monitor affects only its own device; the daemon
			// keeps serving the others and the control surface.
			if err := mon.Run(); err != nil {
				log.Warnf("monitor stopped: %v", err)
			}
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		err := systemdNotifyLoop(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("systemd notify: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errChan:
		return err
	}
}

func logBindings(cfg *config.Config, switcher *kde.Switcher, xmlPath string, log *zap.SugaredLogger) {
	layouts, err := switcher.LayoutsList()
	if err != nil {
		log.Warnf("query layout list: %v", err)
		return
	}

	registry, err := xkb.ParseRegistry(xmlPath)
	if err != nil {
		log.Debugf("parse xkb registry: %v", err)
		registry = nil
	}

	for _, kb := range cfg.Keyboards {
		if kb.LayoutIndex >= len(layouts) {
			log.Warnf("binding %q: layout_index %d out of range, session has %d layouts",
				kb.Name, kb.LayoutIndex, len(layouts))
			continue
		}

		l := layouts[kb.LayoutIndex]
		desc := l.Pretty
		if registry != nil {
			if d := registry.DescriptionFor(l.Code, ""); d != "" {
				desc = d
			}
		}
		log.Infof("binding %q -> layout %d (%s)", kb.Name, kb.LayoutIndex, desc)
	}
}

func systemdNotifyLoop(ctx context.Context) error {
	// tell systemd that we're ready
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		return fmt.Errorf("notify systemd: %w", err)
	}
	if !supported {
		return nil
	}

	_, _ = daemon.SdNotify(false, "STATUS=Watching keyboards")

	// notify watchdog
	t, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("check watchdog: %w", err)
	}
	// if watchdog is not enabled, we don't need to notify it
	if t == 0 {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-time.After(t / 2):
			_, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			if err != nil {
				return fmt.Errorf("notify watchdog: %w", err)
			}
		}
	}
}

func newLogger(debug bool) (*zap.SugaredLogger, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	if !debug {
		loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	loggerConfig.OutputPaths = []string{"stdout"}
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	return logger.Sugar(), nil
}
