package kwin

import (
	"fmt"

	"golang.org/x/exp/maps"

	"github.com/balcsida/vd-agent/wire"
)

// object is the common part of every protocol object.
type object struct {
	id uint32
}

func (o *object) ID() uint32      { return o.id }
func (o *object) SetID(id uint32) { o.id = id }
func (o *object) Delete()         {}

// Interface names a registry global.
type Interface struct {
	Name    string
	Version uint32
}

// DisplayError is a fatal wl_display.error event. The compositor
// destroys the connection after sending one.
type DisplayError struct {
	ObjectID uint32
	Code     uint32
	Message  string
}

func (err DisplayError) Error() string {
	return fmt.Sprintf("display error on object %v (code %v): %v", err.ObjectID, err.Code, err.Message)
}

type displayObject struct {
	object
	conn *Conn
}

func (d *displayObject) InterfaceName() string { return "wl_display" }

func (d *displayObject) Sync(callback uint32) *wire.MessageBuilder {
	msg := wire.NewMessage(d, 0)
	msg.Method = "sync"
	msg.Args = []any{callback}
	msg.WriteUint(callback)
	return msg
}

func (d *displayObject) GetRegistry(registry uint32) *wire.MessageBuilder {
	msg := wire.NewMessage(d, 1)
	msg.Method = "get_registry"
	msg.Args = []any{registry}
	msg.WriteUint(registry)
	return msg
}

func (d *displayObject) Dispatch(msg *wire.MessageBuffer) error {
	switch msg.Op() {
	case 0: // error
		id := msg.ReadUint()
		code := msg.ReadUint()
		text := msg.ReadString()
		if err := msg.Err(); err != nil {
			return err
		}
		return DisplayError{ObjectID: id, Code: code, Message: text}

	case 1: // delete_id
		id := msg.ReadUint()
		if err := msg.Err(); err != nil {
			return err
		}
		d.conn.deleteObject(id)
		return nil

	default:
		return wire.UnknownOpError{Interface: "wl_display", Type: "event", Op: msg.Op()}
	}
}

type registry struct {
	object
	conn    *Conn
	globals map[uint32]Interface

	// onGlobal, if set, observes every announced global. Binding
	// happens from inside it.
	onGlobal func(name uint32, inter string, version uint32)
}

func (r *registry) InterfaceName() string { return "wl_registry" }

func (r *registry) Globals() map[uint32]Interface {
	return maps.Clone(r.globals)
}

func (r *registry) Bind(name uint32, inter string, version, id uint32) *wire.MessageBuilder {
	msg := wire.NewMessage(r, 0)
	msg.Method = "bind"
	msg.Args = []any{name, inter, version, id}
	msg.WriteUint(name)
	msg.WriteNewID(wire.NewID{Interface: inter, Version: version, ID: id})
	return msg
}

func (r *registry) Dispatch(msg *wire.MessageBuffer) error {
	switch msg.Op() {
	case 0: // global
		name := msg.ReadUint()
		inter := msg.ReadString()
		version := msg.ReadUint()
		if err := msg.Err(); err != nil {
			return err
		}
		r.globals[name] = Interface{Name: inter, Version: version}
		if r.onGlobal != nil {
			r.onGlobal(name, inter, version)
		}
		return nil

	case 1: // global_remove
		name := msg.ReadUint()
		if err := msg.Err(); err != nil {
			return err
		}
		delete(r.globals, name)
		return nil

	default:
		return wire.UnknownOpError{Interface: "wl_registry", Type: "event", Op: msg.Op()}
	}
}

type callback struct {
	object
	done func(data uint32)
}

func (cb *callback) InterfaceName() string { return "wl_callback" }

func (cb *callback) Dispatch(msg *wire.MessageBuffer) error {
	switch msg.Op() {
	case 0: // done
		data := msg.ReadUint()
		if err := msg.Err(); err != nil {
			return err
		}
		if cb.done != nil {
			cb.done(data)
		}
		return nil

	default:
		return wire.UnknownOpError{Interface: "wl_callback", Type: "event", Op: msg.Op()}
	}
}
