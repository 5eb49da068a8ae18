// Package mutter reconciles the guest display layout against GNOME's
// Mutter through its DisplayConfig D-Bus interface. The whole
// exchange is request/response: GetCurrentState returns one deeply
// nested tagged tuple describing every monitor, mode, and logical
// monitor, and ApplyMonitorsConfig takes the full desired layout in
// one call.
package mutter

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/balcsida/vd-agent/display"
)

const (
	busName    = "org.gnome.Mutter.DisplayConfig"
	objectPath = "/org/gnome/Mutter/DisplayConfig"
	iface      = "org.gnome.Mutter.DisplayConfig"

	methodGetCurrentState     = iface + ".GetCurrentState"
	methodApplyMonitorsConfig = iface + ".ApplyMonitorsConfig"
)

// Configuration methods accepted by ApplyMonitorsConfig. Only the
// temporary method is ever used here: the guest agent must not
// persist resolutions that the remote client requested for one
// session.
const (
	applyMethodVerify uint32 = iota
	applyMethodTemporary
	applyMethodPersistent
)

// Backend speaks to Mutter over a private session bus connection.
type Backend struct {
	conn    *dbus.Conn
	proxy   dbus.BusObject
	mapping display.ConnectorMap
}

// New connects to the session bus and verifies that Mutter's
// DisplayConfig service is present. A missing bus or an unowned bus
// name is reported as display.ErrUnavailable so the caller can probe
// the next backend.
func New(mapping display.ConnectorMap) (*Backend, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: connect session bus: %v", display.ErrUnavailable, err)
	}

	var owned bool
	err = conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, busName).Store(&owned)
	if err != nil || !owned {
		conn.Close()
		return nil, fmt.Errorf("%w: %v has no owner", display.ErrUnavailable, busName)
	}

	return &Backend{
		conn:    conn,
		proxy:   conn.Object(busName, dbus.ObjectPath(objectPath)),
		mapping: mapping,
	}, nil
}

func (b *Backend) Name() string { return "mutter" }

func (b *Backend) Close() error {
	return b.conn.Close()
}

// Query fetches the current state and folds it into the canonical
// resolution list.
func (b *Backend) Query() (*display.State, error) {
	_, outputs, err := b.currentState()
	if err != nil {
		return nil, err
	}
	return display.Resolve(outputs, b.mapping), nil
}

// Apply reconfigures Mutter to the requested layout. The state is
// re-fetched first: ApplyMonitorsConfig rejects any serial other than
// the one from the immediately preceding GetCurrentState.
func (b *Backend) Apply(layout display.Layout) error {
	serial, outputs, err := b.currentState()
	if err != nil {
		return err
	}

	logrus.WithField("displays", len(layout)).Debug("mutter: applying monitor config")

	logical := buildLogicalMonitors(outputs, b.mapping, layout)

	call := b.proxy.Call(methodApplyMonitorsConfig, 0,
		serial, applyMethodTemporary, logical, map[string]dbus.Variant{})
	if call.Err != nil {
		logrus.WithError(call.Err).Warn("mutter: ApplyMonitorsConfig failed")
		return fmt.Errorf("ApplyMonitorsConfig: %w", call.Err)
	}

	logrus.Debug("mutter: ApplyMonitorsConfig succeeded")
	return nil
}

func (b *Backend) currentState() (uint32, []*display.Output, error) {
	call := b.proxy.Call(methodGetCurrentState, 0)
	if call.Err != nil {
		return 0, nil, fmt.Errorf("GetCurrentState: %w", call.Err)
	}
	return decodeCurrentState(call.Body)
}
