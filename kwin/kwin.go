// Package kwin reconciles the guest display layout against KWin
// through the kde_output_device_v2 and kde_output_management_v2
// Wayland protocols. Unlike the Mutter D-Bus interface, all state
// arrives piecemeal as events and must be assembled behind round-trip
// barriers before it can be used.
package kwin

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/balcsida/vd-agent/display"
	"github.com/balcsida/vd-agent/wire"
)

const (
	outputDeviceInterface     = "kde_output_device_v2"
	outputManagementInterface = "kde_output_management_v2"

	// Older protocol revisions lack the name event and the modern
	// configuration semantics; compositors offering only those are
	// treated as not offering the protocol at all.
	minDeviceVersion     = 2
	minManagementVersion = 2
)

const (
	defaultApplyAttempts = 50
	defaultApplyInterval = 100 * time.Millisecond
)

var (
	// ErrConfigRejected means the compositor answered the apply with
	// a failed event.
	ErrConfigRejected = errors.New("configuration rejected by compositor")

	// ErrConfigTimeout means neither applied nor failed arrived
	// within the polling window.
	ErrConfigTimeout = errors.New("configuration not acknowledged in time")
)

// Backend adapts KWin's output management protocol to the shared
// display contract.
type Backend struct {
	conn       *Conn
	mapping    display.ConnectorMap
	registry   *registry
	management *outputManagement
	devices    []*outputDevice

	// applyAttempts and applyInterval bound the wait for the
	// compositor's answer to an apply. sleep is swappable so tests
	// don't wait on the wall clock.
	applyAttempts int
	applyInterval time.Duration
	sleep         func(time.Duration)
}

// New connects to the Wayland session and binds the KDE output
// management globals. A missing socket, a missing global, or a
// too-old protocol version is reported as display.ErrUnavailable.
func New(mapping display.ConnectorMap) (*Backend, error) {
	conn, err := Dial()
	if err != nil {
		return nil, fmt.Errorf("%w: connect wayland display: %v", display.ErrUnavailable, err)
	}
	return NewBackend(conn, mapping)
}

// NewBackend runs the discovery handshake on an established
// connection. On error the connection is closed.
func NewBackend(conn *Conn, mapping display.ConnectorMap) (*Backend, error) {
	b := &Backend{
		conn:          conn,
		mapping:       mapping,
		applyAttempts: defaultApplyAttempts,
		applyInterval: defaultApplyInterval,
		sleep:         time.Sleep,
	}

	reg, err := conn.Registry()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("get registry: %w", err)
	}
	reg.onGlobal = b.bindGlobal
	b.registry = reg

	// The first round trip announces the globals and binds them; the
	// second flushes the event bursts of the outputs bound by the
	// first.
	for i := 0; i < 2; i++ {
		if err := conn.RoundTrip(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("initial round trip: %w", err)
		}
	}

	if b.management == nil {
		conn.Close()
		offered := make([]string, 0, len(reg.Globals()))
		for _, inter := range reg.Globals() {
			offered = append(offered, fmt.Sprintf("%v v%v", inter.Name, inter.Version))
		}
		slices.Sort(offered)
		return nil, fmt.Errorf("%w: %v not offered (not KWin? compositor globals: %v)",
			display.ErrUnavailable, outputManagementInterface, strings.Join(offered, ", "))
	}

	logrus.WithField("outputs", len(b.devices)).Info("kwin: output management initialized")
	return b, nil
}

func (b *Backend) bindGlobal(name uint32, inter string, version uint32) {
	switch inter {
	case outputDeviceInterface:
		if version < minDeviceVersion {
			logrus.WithFields(logrus.Fields{
				"version": version,
				"need":    minDeviceVersion,
			}).Warn("kwin: kde_output_device_v2 version too old")
			return
		}

		dev := newOutputDevice(b.conn)
		b.conn.addObject(dev)
		if err := b.conn.send(b.registry.Bind(name, inter, minDeviceVersion, dev.id)); err != nil {
			logrus.WithError(err).Warn("kwin: binding output device failed")
			b.conn.deleteObject(dev.id)
			return
		}
		b.devices = append(b.devices, dev)
		debug("bound %v (name=%v, version=%v)", inter, name, version)

	case outputManagementInterface:
		if version < minManagementVersion {
			logrus.WithFields(logrus.Fields{
				"version": version,
				"need":    minManagementVersion,
			}).Warn("kwin: kde_output_management_v2 version too old")
			return
		}

		m := &outputManagement{version: minManagementVersion}
		b.conn.addObject(m)
		if err := b.conn.send(b.registry.Bind(name, inter, minManagementVersion, m.id)); err != nil {
			logrus.WithError(err).Warn("kwin: binding output management failed")
			b.conn.deleteObject(m.id)
			return
		}
		b.management = m
		debug("bound %v (name=%v, version=%v)", inter, name, version)
	}
}

func (b *Backend) Name() string { return "kwin" }

func (b *Backend) Close() error {
	return b.conn.Close()
}

// Query refreshes the accumulated output state behind a round-trip
// barrier and folds it into the canonical resolution list.
func (b *Backend) Query() (*display.State, error) {
	if err := b.conn.RoundTrip(); err != nil {
		return nil, fmt.Errorf("refresh output state: %w", err)
	}

	outputs, _ := b.settledOutputs()
	return display.Resolve(outputs, b.mapping), nil
}

// settledOutputs snapshots every output whose event burst has
// completed. Partially received outputs are skipped, never read.
func (b *Backend) settledOutputs() ([]*display.Output, []*outputDevice) {
	outputs := make([]*display.Output, 0, len(b.devices))
	devices := make([]*outputDevice, 0, len(b.devices))
	for _, dev := range b.devices {
		if dev.phase != phaseSettled {
			logrus.WithField("connector", dev.out.Connector).Debug("kwin: skipping unsettled output")
			continue
		}
		outputs = append(outputs, dev.snapshot())
		devices = append(devices, dev)
	}
	return outputs, devices
}

// Apply encodes the requested layout into one configuration object
// and waits, bounded, for the compositor's verdict. The configuration
// object is destroyed on every exit path.
func (b *Backend) Apply(layout display.Layout) error {
	if err := b.conn.RoundTrip(); err != nil {
		return fmt.Errorf("refresh output state: %w", err)
	}

	config := &outputConfiguration{}
	b.conn.addObject(config)
	if err := b.conn.send(b.management.CreateConfiguration(config.id)); err != nil {
		b.conn.deleteObject(config.id)
		return fmt.Errorf("create configuration: %w", err)
	}
	defer func() {
		if err := b.conn.send(config.Destroy()); err != nil {
			logrus.WithError(err).Debug("kwin: destroying configuration failed")
		}
		b.conn.deleteObject(config.id)
	}()

	outputs, devices := b.settledOutputs()

	logrus.WithField("displays", len(layout)).Debug("kwin: applying monitor config")

	for _, cfg := range layout {
		target := display.Target(outputs, b.mapping, cfg.ID)
		if target == nil {
			logrus.WithField("display", cfg.ID).Warn("kwin: no output found for guest display")
			continue
		}
		dev := devices[slices.Index(outputs, target)]

		if err := b.conn.send(config.Enable(dev, 1)); err != nil {
			return fmt.Errorf("enable %v: %w", target.Connector, err)
		}

		var modeObj *outputMode
		if mode := target.BestMode(cfg.Width, cfg.Height); mode != nil {
			modeObj = dev.modeFor(mode)
			logrus.WithFields(logrus.Fields{
				"connector": target.Connector,
				"mode":      fmt.Sprintf("%dx%d @ %.3fHz", mode.Width, mode.Height, mode.Refresh),
			}).Debug("kwin: setting mode")
		} else {
			display.WarnModeMiss(target, cfg.Width, cfg.Height)
			modeObj = dev.current
		}
		if modeObj != nil {
			if err := b.conn.send(config.Mode(dev, modeObj)); err != nil {
				return fmt.Errorf("set mode on %v: %w", target.Connector, err)
			}
		}

		if err := b.conn.send(config.Position(dev, int32(cfg.X), int32(cfg.Y))); err != nil {
			return fmt.Errorf("set position on %v: %w", target.Connector, err)
		}
		if err := b.conn.send(config.Scale(dev, wire.FixedFloat(dev.out.Scale))); err != nil {
			return fmt.Errorf("set scale on %v: %w", target.Connector, err)
		}
		if err := b.conn.send(config.Transform(dev, int32(dev.out.Transform))); err != nil {
			return fmt.Errorf("set transform on %v: %w", target.Connector, err)
		}
	}

	if err := b.conn.send(config.Apply()); err != nil {
		return fmt.Errorf("apply configuration: %w", err)
	}

	for attempt := 0; attempt < b.applyAttempts; attempt++ {
		if err := b.conn.RoundTrip(); err != nil {
			return fmt.Errorf("await configuration result: %w", err)
		}
		switch {
		case config.applied:
			return nil
		case config.failed:
			return ErrConfigRejected
		}
		b.sleep(b.applyInterval)
	}

	return ErrConfigTimeout
}
