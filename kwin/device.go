package kwin

import (
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/balcsida/vd-agent/display"
	"github.com/balcsida/vd-agent/wire"
)

// phase tracks how much of an output's event burst has arrived.
// Outputs are only queryable once settled; a new burst moves a
// settled output back to receiving until the next done event.
type phase int

const (
	phaseDiscovered phase = iota
	phaseReceiving
	phaseSettled
)

// outputDevice accumulates the kde_output_device_v2 event stream for
// one connector into a display.Output. The events of one burst arrive
// in unspecified order and the record must not be read before the
// terminal done event.
type outputDevice struct {
	object
	conn  *Conn
	phase phase
	uuid  string

	out     display.Output
	modes   []*outputMode
	current *outputMode
}

func newOutputDevice(conn *Conn) *outputDevice {
	return &outputDevice{
		conn: conn,
		out:  display.Output{Scale: 1.0, Enabled: true},
	}
}

func (d *outputDevice) InterfaceName() string { return "kde_output_device_v2" }

func (d *outputDevice) receiving() {
	d.phase = phaseReceiving
}

func (d *outputDevice) Dispatch(msg *wire.MessageBuffer) error {
	switch msg.Op() {
	case 0: // geometry
		d.receiving()
		x := msg.ReadInt()
		y := msg.ReadInt()
		msg.ReadInt() // physical width
		msg.ReadInt() // physical height
		msg.ReadInt() // subpixel
		make := msg.ReadString()
		model := msg.ReadString()
		transform := msg.ReadInt()
		if err := msg.Err(); err != nil {
			return err
		}
		d.out.X = int(x)
		d.out.Y = int(y)
		d.out.Vendor = make
		d.out.Product = model
		d.out.Transform = uint32(transform)
		return nil

	case 1: // current_mode
		d.receiving()
		id := msg.ReadUint()
		if err := msg.Err(); err != nil {
			return err
		}
		d.current = nil
		for _, m := range d.modes {
			m.mode.Current = m.id == id
			if m.mode.Current {
				d.current = m
			}
		}
		return nil

	case 2: // mode
		d.receiving()
		id := msg.ReadUint()
		if err := msg.Err(); err != nil {
			return err
		}
		m := &outputMode{mode: &display.Mode{ID: strconv.FormatUint(uint64(id), 10)}}
		d.conn.setObject(id, m)
		d.modes = append(d.modes, m)
		return nil

	case 3: // done
		if err := msg.Err(); err != nil {
			return err
		}
		d.phase = phaseSettled
		logrus.WithFields(logrus.Fields{
			"connector": d.out.Connector,
			"enabled":   d.out.Enabled,
			"modes":     len(d.modes),
		}).Debug("kwin: output settled")
		return nil

	case 4: // scale
		d.receiving()
		f := msg.ReadFixed()
		if err := msg.Err(); err != nil {
			return err
		}
		d.out.Scale = f.Float()
		return nil

	case 5: // edid, passthrough only
		d.receiving()
		msg.ReadString()
		return msg.Err()

	case 6: // enabled
		d.receiving()
		v := msg.ReadInt()
		if err := msg.Err(); err != nil {
			return err
		}
		d.out.Enabled = v != 0
		return nil

	case 7: // uuid
		d.receiving()
		d.uuid = msg.ReadString()
		return msg.Err()

	case 8: // serial_number
		d.receiving()
		d.out.Serial = msg.ReadString()
		return msg.Err()

	case 9: // eisa_id
		d.receiving()
		msg.ReadString()
		return msg.Err()

	case 10: // capabilities
		d.receiving()
		msg.ReadUint()
		return msg.Err()

	case 11: // overscan
		d.receiving()
		msg.ReadUint()
		return msg.Err()

	case 12: // vrr_policy
		d.receiving()
		msg.ReadUint()
		return msg.Err()

	case 13: // rgb_range
		d.receiving()
		msg.ReadUint()
		return msg.Err()

	case 14: // name
		d.receiving()
		name := msg.ReadString()
		if err := msg.Err(); err != nil {
			return err
		}
		d.out.Connector = name
		return nil

	default:
		return wire.UnknownOpError{Interface: "kde_output_device_v2", Type: "event", Op: msg.Op()}
	}
}

// snapshot copies the accumulated record into the uniform model. The
// mode list shares pointers with the accumulator so that a selected
// mode can be traced back to its protocol object via modeFor.
func (d *outputDevice) snapshot() *display.Output {
	out := d.out
	out.Modes = make([]*display.Mode, 0, len(d.modes))
	for _, m := range d.modes {
		if m.removed {
			continue
		}
		out.Modes = append(out.Modes, m.mode)
	}

	out.CurrentMode = nil
	if d.current != nil && !d.current.removed {
		out.CurrentMode = d.current.mode
	}
	out.Enabled = out.Enabled && out.CurrentMode != nil
	return &out
}

// modeFor maps a mode from a snapshot back to its protocol object.
func (d *outputDevice) modeFor(mode *display.Mode) *outputMode {
	for _, m := range d.modes {
		if m.mode == mode {
			return m
		}
	}
	return nil
}

// outputMode accumulates one kde_output_device_mode_v2 object. Mode
// objects are created by the compositor through the device's mode
// event.
type outputMode struct {
	object
	mode    *display.Mode
	removed bool
}

func (m *outputMode) InterfaceName() string { return "kde_output_device_mode_v2" }

func (m *outputMode) Dispatch(msg *wire.MessageBuffer) error {
	switch msg.Op() {
	case 0: // size
		width := msg.ReadInt()
		height := msg.ReadInt()
		if err := msg.Err(); err != nil {
			return err
		}
		m.mode.Width = int(width)
		m.mode.Height = int(height)
		return nil

	case 1: // refresh, in mHz
		refresh := msg.ReadInt()
		if err := msg.Err(); err != nil {
			return err
		}
		m.mode.Refresh = float64(refresh) / 1000.0
		return nil

	case 2: // preferred
		m.mode.Preferred = true
		return nil

	case 3: // removed
		m.removed = true
		return nil

	default:
		return wire.UnknownOpError{Interface: "kde_output_device_mode_v2", Type: "event", Op: msg.Op()}
	}
}
