package kwin

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/balcsida/vd-agent/display"
	"github.com/balcsida/vd-agent/wire"
)

// Server-allocated object IDs for the fake compositor's mode objects.
// Real compositors allocate these from the top of the ID space.
const (
	fakeMode1080p60  = 0xff000001
	fakeMode1080p144 = 0xff000002
	fakeMode720p60   = 0xff000003
)

func socketPair(t *testing.T) (client, server *net.UnixConn) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}

	toConn := func(fd int, name string) *net.UnixConn {
		f := os.NewFile(uintptr(fd), name)
		defer f.Close()
		c, err := net.FileConn(f)
		if err != nil {
			t.Fatalf("FileConn: %v", err)
		}
		return c.(*net.UnixConn)
	}
	return toConn(fds[0], "client"), toConn(fds[1], "server")
}

// eventSender stands in for a server-side object when building events.
type eventSender struct {
	object
}

func (*eventSender) InterfaceName() string { return "fake" }

func (*eventSender) Dispatch(*wire.MessageBuffer) error { return nil }

// fakeCompositor speaks just enough of the server side of the protocol
// to exercise the backend: it answers sync with done, announces one
// output device with three modes, and resolves configurations
// according to verdict.
type fakeCompositor struct {
	conn *net.UnixConn

	deviceVersion     uint32
	managementVersion uint32
	verdict           string // "applied", "failed", or "silent"

	registryID   uint32
	deviceID     uint32
	managementID uint32
	configID     uint32

	mu       sync.Mutex
	requests []string

	destroyOnce sync.Once
	destroyed   chan struct{}
}

func newFakeCompositor() *fakeCompositor {
	return &fakeCompositor{
		deviceVersion:     2,
		managementVersion: 2,
		verdict:           "applied",
		destroyed:         make(chan struct{}),
	}
}

// start wires the fake to one end of a socketpair and hands the other
// end back wrapped in a Conn.
func (f *fakeCompositor) start(t *testing.T) *Conn {
	t.Helper()

	client, server := socketPair(t)
	f.conn = server
	go f.serve()

	conn := NewConn(client)
	t.Cleanup(func() {
		conn.Close()
		server.Close()
	})
	return conn
}

func (f *fakeCompositor) serve() {
	for {
		msg, err := wire.ReadMessage(f.conn)
		if err != nil {
			return
		}
		f.handle(msg)
	}
}

// event sends one event to the client. Write errors mean the test tore
// the connection down and are ignored.
func (f *fakeCompositor) event(sender uint32, op uint16, build func(*wire.MessageBuilder)) {
	s := &eventSender{}
	s.SetID(sender)
	msg := wire.NewMessage(s, op)
	if build != nil {
		build(msg)
	}
	msg.Build(f.conn)
}

func (f *fakeCompositor) record(req string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}

func (f *fakeCompositor) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeCompositor) handle(msg *wire.MessageBuffer) {
	switch {
	case msg.Sender() == 1 && msg.Op() == 0: // wl_display.sync
		cb := msg.ReadUint()
		f.event(cb, 0, func(mb *wire.MessageBuilder) { mb.WriteUint(0) })
		f.event(1, 1, func(mb *wire.MessageBuilder) { mb.WriteUint(cb) })

	case msg.Sender() == 1 && msg.Op() == 1: // wl_display.get_registry
		f.registryID = msg.ReadUint()
		if f.deviceVersion > 0 {
			f.announceGlobal(1, outputDeviceInterface, f.deviceVersion)
		}
		if f.managementVersion > 0 {
			f.announceGlobal(2, outputManagementInterface, f.managementVersion)
		}

	case msg.Sender() == f.registryID && msg.Op() == 0: // wl_registry.bind
		name := msg.ReadUint()
		id := msg.ReadNewID()
		switch name {
		case 1:
			f.deviceID = id.ID
			f.announceDevice()
		case 2:
			f.managementID = id.ID
		}

	case msg.Sender() == f.managementID && msg.Op() == 0: // create_configuration
		f.configID = msg.ReadUint()

	case msg.Sender() == f.configID:
		f.handleConfig(msg)
	}
}

func (f *fakeCompositor) announceGlobal(name uint32, inter string, version uint32) {
	f.event(f.registryID, 0, func(mb *wire.MessageBuilder) {
		mb.WriteUint(name)
		mb.WriteString(inter)
		mb.WriteUint(version)
	})
}

// announceDevice sends the full event burst for one 1920x1080 output
// with a faster 1080p alternative and a smaller fallback mode.
func (f *fakeCompositor) announceDevice() {
	d := f.deviceID

	f.event(d, 14, func(mb *wire.MessageBuilder) { mb.WriteString("Virtual-1") })
	f.event(d, 0, func(mb *wire.MessageBuilder) {
		mb.WriteInt(0)   // x
		mb.WriteInt(0)   // y
		mb.WriteInt(520) // physical width
		mb.WriteInt(290) // physical height
		mb.WriteInt(0)   // subpixel
		mb.WriteString("Fake")
		mb.WriteString("Monitor")
		mb.WriteInt(0) // transform
	})
	f.event(d, 6, func(mb *wire.MessageBuilder) { mb.WriteInt(1) })

	f.announceMode(fakeMode1080p60, 1920, 1080, 60000, true)
	f.announceMode(fakeMode1080p144, 1920, 1080, 144000, false)
	f.announceMode(fakeMode720p60, 1280, 720, 60000, false)

	f.event(d, 1, func(mb *wire.MessageBuilder) { mb.WriteUint(fakeMode1080p60) })
	f.event(d, 4, func(mb *wire.MessageBuilder) { mb.WriteFixed(wire.FixedInt(1)) })
	f.event(d, 3, nil) // done
}

func (f *fakeCompositor) announceMode(id uint32, width, height, millihz int32, preferred bool) {
	f.event(f.deviceID, 2, func(mb *wire.MessageBuilder) { mb.WriteUint(id) })
	f.event(id, 0, func(mb *wire.MessageBuilder) {
		mb.WriteInt(width)
		mb.WriteInt(height)
	})
	f.event(id, 1, func(mb *wire.MessageBuilder) { mb.WriteInt(millihz) })
	if preferred {
		f.event(id, 2, nil)
	}
}

func (f *fakeCompositor) handleConfig(msg *wire.MessageBuffer) {
	switch msg.Op() {
	case 0: // enable
		msg.ReadUint()
		f.record(fmt.Sprintf("enable %d", msg.ReadInt()))

	case 1: // mode
		msg.ReadUint()
		f.record(fmt.Sprintf("mode %d", msg.ReadUint()))

	case 2: // transform
		msg.ReadUint()
		f.record(fmt.Sprintf("transform %d", msg.ReadInt()))

	case 3: // position
		msg.ReadUint()
		x := msg.ReadInt()
		y := msg.ReadInt()
		f.record(fmt.Sprintf("position %d %d", x, y))

	case 4: // scale
		msg.ReadUint()
		f.record(fmt.Sprintf("scale %v", msg.ReadFixed()))

	case 8: // apply
		f.record("apply")
		switch f.verdict {
		case "applied":
			f.event(f.configID, 0, nil)
		case "failed":
			f.event(f.configID, 1, nil)
		}

	case 9: // destroy
		f.record("destroy")
		f.event(1, 1, func(mb *wire.MessageBuilder) { mb.WriteUint(f.configID) })
		f.destroyOnce.Do(func() { close(f.destroyed) })
	}
}

func (f *fakeCompositor) waitDestroyed(t *testing.T) {
	t.Helper()
	select {
	case <-f.destroyed:
	case <-time.After(5 * time.Second):
		t.Fatal("configuration object was never destroyed")
	}
}

func newTestBackend(t *testing.T, f *fakeCompositor, mapping display.ConnectorMap) *Backend {
	t.Helper()

	b, err := NewBackend(f.start(t), mapping)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	b.sleep = func(time.Duration) {}
	return b
}

// requireSubsequence checks that want appears in got, in order, with
// arbitrary requests in between.
func requireSubsequence(t *testing.T, got, want []string) {
	t.Helper()

	i := 0
	for _, req := range got {
		if i < len(want) && req == want[i] {
			i++
		}
	}
	if i != len(want) {
		t.Errorf("requests %q are missing %q (in order)", got, want[i:])
	}
}

func TestBackendQuery(t *testing.T) {
	f := newFakeCompositor()
	b := newTestBackend(t, f, display.ConnectorMap{"Virtual-1": 0})

	st, err := b.Query()
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	if len(st.Resolutions) != 1 {
		t.Fatalf("got %d resolutions, want 1", len(st.Resolutions))
	}
	res := st.Resolutions[0]
	if res.ID != 0 || res.Width != 1920 || res.Height != 1080 || res.X != 0 || res.Y != 0 {
		t.Errorf("resolution = %+v, want display 0 at 1920x1080+0+0", res)
	}
	if st.DesktopWidth != 1920 || st.DesktopHeight != 1080 {
		t.Errorf("desktop = %dx%d, want 1920x1080", st.DesktopWidth, st.DesktopHeight)
	}
	if st.ScreenCount != 1 {
		t.Errorf("screen count = %d, want 1", st.ScreenCount)
	}
}

func TestBackendUnavailableWithoutManagement(t *testing.T) {
	f := newFakeCompositor()
	f.managementVersion = 0

	_, err := NewBackend(f.start(t), nil)
	if !errors.Is(err, display.ErrUnavailable) {
		t.Fatalf("NewBackend error = %v, want display.ErrUnavailable", err)
	}
	// The error reports what the compositor did offer.
	if !strings.Contains(err.Error(), outputDeviceInterface+" v2") {
		t.Errorf("error %q does not name the offered globals", err)
	}
}

func TestBackendSkipsOldDevice(t *testing.T) {
	f := newFakeCompositor()
	f.deviceVersion = 1

	b, err := NewBackend(f.start(t), display.ConnectorMap{"Virtual-1": 0})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if len(b.devices) != 0 {
		t.Errorf("bound %d devices, want the too-old device skipped", len(b.devices))
	}

	st, err := b.Query()
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(st.Resolutions) != 0 || st.ScreenCount != 0 {
		t.Errorf("state = %+v, want no resolutions from a skipped device", st)
	}
}

func TestRoundTripReportsReaderFailure(t *testing.T) {
	client, server := socketPair(t)
	conn := NewConn(client)
	t.Cleanup(func() { conn.Close() })

	// A header claiming a size below the 8 header bytes kills the
	// reader; the framing error must survive into RoundTrip's result.
	var hdr [8]byte
	binary.NativeEndian.PutUint32(hdr[0:], 1)
	binary.NativeEndian.PutUint32(hdr[4:], 4<<16)
	if _, err := server.Write(hdr[:]); err != nil {
		t.Fatalf("write malformed header: %v", err)
	}

	err := conn.RoundTrip()
	if err == nil || !strings.Contains(err.Error(), "8 byte header") {
		t.Errorf("RoundTrip error = %v, want the reader's framing error", err)
	}
}

func TestBackendRejectsOldManagement(t *testing.T) {
	f := newFakeCompositor()
	f.managementVersion = 1

	_, err := NewBackend(f.start(t), nil)
	if !errors.Is(err, display.ErrUnavailable) {
		t.Errorf("NewBackend error = %v, want display.ErrUnavailable", err)
	}
}

func TestBackendApply(t *testing.T) {
	f := newFakeCompositor()
	b := newTestBackend(t, f, display.ConnectorMap{"Virtual-1": 0})

	err := b.Apply(display.Layout{{ID: 0, Width: 1920, Height: 1080, X: 0, Y: 0}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	f.waitDestroyed(t)

	// The faster of the two 1920x1080 modes wins.
	requireSubsequence(t, f.recorded(), []string{
		"enable 1",
		fmt.Sprintf("mode %d", uint32(fakeMode1080p144)),
		"position 0 0",
		"scale 1",
		"transform 0",
		"apply",
		"destroy",
	})
}

func TestBackendApplyModeMissKeepsCurrentMode(t *testing.T) {
	f := newFakeCompositor()
	b := newTestBackend(t, f, display.ConnectorMap{"Virtual-1": 0})

	err := b.Apply(display.Layout{{ID: 0, Width: 1024, Height: 768, X: 0, Y: 0}})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	f.waitDestroyed(t)

	requireSubsequence(t, f.recorded(), []string{
		fmt.Sprintf("mode %d", uint32(fakeMode1080p60)),
		"apply",
	})
}

func TestBackendApplyRejected(t *testing.T) {
	f := newFakeCompositor()
	f.verdict = "failed"
	b := newTestBackend(t, f, display.ConnectorMap{"Virtual-1": 0})

	err := b.Apply(display.Layout{{ID: 0, Width: 1920, Height: 1080}})
	if !errors.Is(err, ErrConfigRejected) {
		t.Errorf("Apply error = %v, want ErrConfigRejected", err)
	}
	f.waitDestroyed(t)
}

func TestBackendApplyTimeout(t *testing.T) {
	f := newFakeCompositor()
	f.verdict = "silent"
	b := newTestBackend(t, f, display.ConnectorMap{"Virtual-1": 0})

	var slept int
	b.applyAttempts = 3
	b.sleep = func(time.Duration) { slept++ }

	err := b.Apply(display.Layout{{ID: 0, Width: 1920, Height: 1080}})
	if !errors.Is(err, ErrConfigTimeout) {
		t.Errorf("Apply error = %v, want ErrConfigTimeout", err)
	}
	if slept != 3 {
		t.Errorf("slept %d times, want one per attempt", slept)
	}

	f.waitDestroyed(t)
	destroys := 0
	for _, req := range f.recorded() {
		if req == "destroy" {
			destroys++
		}
	}
	if destroys != 1 {
		t.Errorf("configuration destroyed %d times, want exactly once", destroys)
	}
}

func TestBackendApplyUnknownDisplaySkipped(t *testing.T) {
	f := newFakeCompositor()
	b := newTestBackend(t, f, display.ConnectorMap{"Virtual-1": 0})

	// Display 5 has no output; the rest of the layout still applies.
	err := b.Apply(display.Layout{
		{ID: 5, Width: 800, Height: 600},
		{ID: 0, Width: 1920, Height: 1080},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	f.waitDestroyed(t)

	requireSubsequence(t, f.recorded(), []string{"enable 1", "apply"})
}
