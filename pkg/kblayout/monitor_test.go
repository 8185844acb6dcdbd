package kblayout

import (
	"errors"
	"io"
	"sync"
	"syscall"
	"testing"

	evdev "github.com/holoplot/go-evdev"
	"go.uber.org/zap"
)

type fakeDevice struct {
	events  []*evdev.InputEvent
	hooks   map[int]func() // run before the i-th event is returned
	readErr error          // returned after the scripted events
	grabErr error

	next    int
	grabs   int
	ungrabs int
	closed  bool
}

func (d *fakeDevice) ReadOne() (*evdev.InputEvent, error) {
	if d.next >= len(d.events) {
		if d.readErr != nil {
			return nil, d.readErr
		}
		return nil, io.EOF
	}
	if hook, ok := d.hooks[d.next]; ok {
		hook()
	}
	ev := d.events[d.next]
	d.next++
	return ev, nil
}

func (d *fakeDevice) Grab() error {
	if d.grabErr != nil {
		return d.grabErr
	}
	d.grabs++
	return nil
}

func (d *fakeDevice) Ungrab() error {
	d.ungrabs++
	return nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

type call struct {
	kind   string // "switch" or "forward"
	layout int
	event  evdev.InputEvent
}

// recorder is shared by the fake switcher and forwarder so the relative
// order of switch and forward calls is observable.
type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) add(c call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *recorder) all() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

type fakeSwitcher struct {
	rec *recorder
	err error
}

func (s *fakeSwitcher) Activate(layout int) error {
	s.rec.add(call{kind: "switch", layout: layout})
	return s.err
}

type fakeForwarder struct {
	rec *recorder
	err error
}

func (f *fakeForwarder) Forward(ev *evdev.InputEvent) error {
	f.rec.add(call{kind: "forward", event: *ev})
	return f.err
}

func keyEvent(code evdev.EvCode, value int32) *evdev.InputEvent {
	return &evdev.InputEvent{
		Time:  syscall.Timeval{Sec: 17, Usec: 42},
		Type:  evdev.EV_KEY,
		Code:  code,
		Value: value,
	}
}

func synEvent() *evdev.InputEvent {
	return &evdev.InputEvent{
		Time: syscall.Timeval{Sec: 17, Usec: 999},
		Type: evdev.EV_SYN,
		Code: evdev.SYN_REPORT,
	}
}

func testMatch(layout int) Match {
	return Match{
		Path:       "/dev/input/event3",
		DeviceName: "Lofree RGB",
		Binding:    Binding{Name: "Lofree", LayoutIndex: layout, LayoutName: "English (US)"},
	}
}

func newTestMonitor(match Match, dev *fakeDevice, state *State, rec *recorder) *Monitor {
	return NewMonitor(match, dev, state, &fakeSwitcher{rec: rec}, &fakeForwarder{rec: rec}, zap.NewNop().Sugar())
}

func TestGrabModePreservesEventStream(t *testing.T) {
	events := []*evdev.InputEvent{
		keyEvent(evdev.KEY_A, 1),
		synEvent(),
		keyEvent(evdev.KEY_A, 0),
		synEvent(),
	}
	dev := &fakeDevice{events: events}
	rec := &recorder{}
	mon := newTestMonitor(testMatch(1), dev, NewState(ModeGrab), rec)

	if err := mon.Run(); err == nil {
		t.Fatal("expected error when the device runs out of events")
	}
	if !dev.closed {
		t.Error("device not closed on termination")
	}
	if dev.grabs != 1 {
		t.Errorf("expected 1 grab, got %d", dev.grabs)
	}

	var forwarded []evdev.InputEvent
	for _, c := range rec.all() {
		if c.kind == "forward" {
			forwarded = append(forwarded, c.event)
		}
	}
	if len(forwarded) != len(events) {
		t.Fatalf("expected %d forwarded events, got %d", len(events), len(forwarded))
	}
	for i, ev := range events {
		if forwarded[i] != *ev {
			t.Errorf("event %d altered in flight: got %+v, want %+v", i, forwarded[i], *ev)
		}
	}
}

func TestSwitchIssuedBeforeForward(t *testing.T) {
	dev := &fakeDevice{events: []*evdev.InputEvent{keyEvent(evdev.KEY_A, 1)}}
	rec := &recorder{}
	mon := newTestMonitor(testMatch(1), dev, NewState(ModeGrab), rec)
	_ = mon.Run()

	calls := rec.all()
	if len(calls) != 2 {
		t.Fatalf("expected switch then forward, got %d calls", len(calls))
	}
	if calls[0].kind != "switch" || calls[0].layout != 1 {
		t.Errorf("first call is %+v, want switch to 1", calls[0])
	}
	if calls[1].kind != "forward" {
		t.Errorf("second call is %+v, want forward", calls[1])
	}
}

func TestPassiveModeDoesNotForward(t *testing.T) {
	dev := &fakeDevice{events: []*evdev.InputEvent{
		keyEvent(evdev.KEY_A, 1),
		synEvent(),
		keyEvent(evdev.KEY_A, 0),
	}}
	rec := &recorder{}
	mon := newTestMonitor(testMatch(1), dev, NewState(ModePassive), rec)
	_ = mon.Run()

	if dev.grabs != 0 {
		t.Errorf("passive monitor grabbed the device %d times", dev.grabs)
	}
	for _, c := range rec.all() {
		if c.kind == "forward" {
			t.Fatalf("passive monitor forwarded %+v", c.event)
		}
	}

	// The switch call still fires.
	calls := rec.all()
	if len(calls) != 1 || calls[0].kind != "switch" || calls[0].layout != 1 {
		t.Errorf("expected exactly one switch to 1, got %+v", calls)
	}
}

func TestRepeatedPressesSwitchOnce(t *testing.T) {
	dev := &fakeDevice{events: []*evdev.InputEvent{
		keyEvent(evdev.KEY_A, 1),
		keyEvent(evdev.KEY_A, 0),
		keyEvent(evdev.KEY_B, 1),
		keyEvent(evdev.KEY_B, 0),
	}}
	rec := &recorder{}
	state := NewState(ModePassive)
	mon := newTestMonitor(testMatch(1), dev, state, rec)
	_ = mon.Run()

	switches := 0
	for _, c := range rec.all() {
		if c.kind == "switch" {
			switches++
		}
	}
	if switches != 1 {
		t.Errorf("expected 1 switch for consecutive presses on one keyboard, got %d", switches)
	}
	if state.Layout() != 1 {
		t.Errorf("cache at %d, want 1", state.Layout())
	}
}

func TestSwitchFailureIsNotFatal(t *testing.T) {
	dev := &fakeDevice{events: []*evdev.InputEvent{keyEvent(evdev.KEY_A, 1)}}
	rec := &recorder{}
	state := NewState(ModeGrab)
	sw := &fakeSwitcher{rec: rec, err: errors.New("backend absent")}
	mon := NewMonitor(testMatch(1), dev, state, sw, &fakeForwarder{rec: rec}, zap.NewNop().Sugar())
	_ = mon.Run()

	// The cache is updated and the event forwarded regardless.
	if state.Layout() != 1 {
		t.Errorf("cache at %d after failed switch, want 1", state.Layout())
	}
	calls := rec.all()
	if len(calls) != 2 || calls[1].kind != "forward" {
		t.Errorf("expected the press to be forwarded after the failed switch, got %+v", calls)
	}
}

func TestModeFlipPassiveToGrab(t *testing.T) {
	state := NewState(ModePassive)
	dev := &fakeDevice{
		events: []*evdev.InputEvent{
			keyEvent(evdev.KEY_A, 1),
			keyEvent(evdev.KEY_A, 0),
			keyEvent(evdev.KEY_B, 1),
			synEvent(),
		},
	}
	dev.hooks = map[int]func(){
		2: func() { state.SetMode(ModeGrab) },
	}
	rec := &recorder{}
	mon := newTestMonitor(testMatch(1), dev, state, rec)
	_ = mon.Run()

	if dev.grabs != 1 {
		t.Fatalf("expected the monitor to grab after the mode flip, got %d grabs", dev.grabs)
	}

	// The press that triggered the grab already reached the session
	// directly and must not be forwarded; the following sync marker is
	// the first event the virtual device sees.
	var forwarded []evdev.InputEvent
	for _, c := range rec.all() {
		if c.kind == "forward" {
			forwarded = append(forwarded, c.event)
		}
	}
	if len(forwarded) != 1 {
		t.Fatalf("expected only the trailing sync to be forwarded, got %d events", len(forwarded))
	}
	if forwarded[0].Type != evdev.EV_SYN {
		t.Errorf("forwarded %+v, want the sync marker", forwarded[0])
	}
}

func TestModeFlipGrabToPassive(t *testing.T) {
	state := NewState(ModeGrab)
	dev := &fakeDevice{
		events: []*evdev.InputEvent{
			keyEvent(evdev.KEY_A, 1),
			keyEvent(evdev.KEY_A, 0),
			keyEvent(evdev.KEY_B, 1),
			synEvent(),
		},
	}
	dev.hooks = map[int]func(){
		2: func() { state.SetMode(ModePassive) },
	}
	rec := &recorder{}
	mon := newTestMonitor(testMatch(1), dev, state, rec)
	_ = mon.Run()

	if dev.ungrabs != 1 {
		t.Fatalf("expected the monitor to release the grab, got %d ungrabs", dev.ungrabs)
	}

	// The press that triggered the release was intercepted while
	// grabbed, so it is still forwarded; the trailing sync is not.
	var forwarded []evdev.InputEvent
	for _, c := range rec.all() {
		if c.kind == "forward" {
			forwarded = append(forwarded, c.event)
		}
	}
	if len(forwarded) != 3 {
		t.Fatalf("expected 3 forwarded events, got %d", len(forwarded))
	}
	last := forwarded[2]
	if last.Type != evdev.EV_KEY || last.Code != evdev.KEY_B || last.Value != 1 {
		t.Errorf("last forwarded event is %+v, want the KEY_B press", last)
	}
}

func TestReadErrorTerminatesMonitor(t *testing.T) {
	readErr := errors.New("device removed")
	dev := &fakeDevice{
		events:  []*evdev.InputEvent{keyEvent(evdev.KEY_A, 1)},
		readErr: readErr,
	}
	rec := &recorder{}
	mon := newTestMonitor(testMatch(1), dev, NewState(ModePassive), rec)

	err := mon.Run()
	if !errors.Is(err, readErr) {
		t.Fatalf("expected the read error to surface, got %v", err)
	}
	if !dev.closed {
		t.Error("device left open after read error")
	}
}

func TestGrabFailureAtStartup(t *testing.T) {
	dev := &fakeDevice{grabErr: errors.New("permission denied")}
	rec := &recorder{}
	mon := newTestMonitor(testMatch(1), dev, NewState(ModeGrab), rec)

	if err := mon.Run(); err == nil {
		t.Fatal("expected grab failure to terminate the monitor")
	}
	if !dev.closed {
		t.Error("device left open after grab failure")
	}
}

func TestTwoKeyboardsScenario(t *testing.T) {
	state := NewState(ModeGrab)
	recLofree := &recorder{}
	recCherry := &recorder{}

	lofree := &fakeDevice{events: []*evdev.InputEvent{keyEvent(evdev.KEY_A, 1), keyEvent(evdev.KEY_A, 0)}}
	cherry := &fakeDevice{events: []*evdev.InputEvent{keyEvent(evdev.KEY_B, 1), keyEvent(evdev.KEY_B, 0)}}

	cherryMatch := Match{
		Path:       "/dev/input/event5",
		DeviceName: "CHERRY MX",
		Binding:    Binding{Name: "CHERRY", LayoutIndex: 0, LayoutName: "German"},
	}

	_ = newTestMonitor(testMatch(1), lofree, state, recLofree).Run()
	_ = newTestMonitor(cherryMatch, cherry, state, recCherry).Run()

	if lofree.grabs != 1 || cherry.grabs != 1 {
		t.Errorf("both devices should be grabbed, got %d and %d", lofree.grabs, cherry.grabs)
	}
	if calls := recLofree.all(); calls[0].kind != "switch" || calls[0].layout != 1 {
		t.Errorf("Lofree press should switch to 1 first, got %+v", calls[0])
	}
	if calls := recCherry.all(); calls[0].kind != "switch" || calls[0].layout != 0 {
		t.Errorf("CHERRY press should switch to 0 first, got %+v", calls[0])
	}
	if state.Layout() != 0 {
		t.Errorf("cache should hold the last requested index 0, got %d", state.Layout())
	}
}

func TestConcurrentMonitorsSharedForwarder(t *testing.T) {
	state := NewState(ModeGrab)
	rec := &recorder{}

	var devs []*fakeDevice
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		layout := i % 2
		dev := &fakeDevice{events: []*evdev.InputEvent{
			keyEvent(evdev.KEY_A, 1), synEvent(),
			keyEvent(evdev.KEY_A, 0), synEvent(),
		}}
		devs = append(devs, dev)
		match := Match{
			Path:       "/dev/input/event9",
			DeviceName: "Kbd",
			Binding:    Binding{Name: "Kbd", LayoutIndex: layout},
		}
		mon := newTestMonitor(match, dev, state, rec)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mon.Run()
		}()
	}
	wg.Wait()

	if got := state.Layout(); got != 0 && got != 1 {
		t.Errorf("cache holds %d, want the last writer's index (0 or 1)", got)
	}
	forwards := 0
	for _, c := range rec.all() {
		if c.kind == "forward" {
			forwards++
		}
	}
	if forwards != 16 {
		t.Errorf("expected 16 forwarded events across monitors, got %d", forwards)
	}
	for _, d := range devs {
		if !d.closed {
			t.Error("a device was left open")
		}
	}
}
