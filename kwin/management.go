package kwin

import (
	"github.com/sirupsen/logrus"

	"github.com/balcsida/vd-agent/wire"
)

// outputManagement is the kde_output_management_v2 global, a factory
// for per-apply configuration objects.
type outputManagement struct {
	object
	version uint32
}

func (m *outputManagement) InterfaceName() string { return "kde_output_management_v2" }

func (m *outputManagement) CreateConfiguration(id uint32) *wire.MessageBuilder {
	msg := wire.NewMessage(m, 0)
	msg.Method = "create_configuration"
	msg.Args = []any{id}
	msg.WriteUint(id)
	return msg
}

func (m *outputManagement) Dispatch(msg *wire.MessageBuffer) error {
	return wire.UnknownOpError{Interface: "kde_output_management_v2", Type: "event", Op: msg.Op()}
}

// outputConfiguration is one kde_output_configuration_v2 object: a
// batch of setter requests resolved by exactly one applied or failed
// event after apply.
type outputConfiguration struct {
	object
	applied bool
	failed  bool
}

func (c *outputConfiguration) InterfaceName() string { return "kde_output_configuration_v2" }

func (c *outputConfiguration) Enable(device *outputDevice, enable int32) *wire.MessageBuilder {
	msg := wire.NewMessage(c, 0)
	msg.Method = "enable"
	msg.Args = []any{device.id, enable}
	msg.WriteObject(device)
	msg.WriteInt(enable)
	return msg
}

func (c *outputConfiguration) Mode(device *outputDevice, mode *outputMode) *wire.MessageBuilder {
	msg := wire.NewMessage(c, 1)
	msg.Method = "mode"
	msg.Args = []any{device.id, mode.id}
	msg.WriteObject(device)
	msg.WriteObject(mode)
	return msg
}

func (c *outputConfiguration) Transform(device *outputDevice, transform int32) *wire.MessageBuilder {
	msg := wire.NewMessage(c, 2)
	msg.Method = "transform"
	msg.Args = []any{device.id, transform}
	msg.WriteObject(device)
	msg.WriteInt(transform)
	return msg
}

func (c *outputConfiguration) Position(device *outputDevice, x, y int32) *wire.MessageBuilder {
	msg := wire.NewMessage(c, 3)
	msg.Method = "position"
	msg.Args = []any{device.id, x, y}
	msg.WriteObject(device)
	msg.WriteInt(x)
	msg.WriteInt(y)
	return msg
}

func (c *outputConfiguration) Scale(device *outputDevice, scale wire.Fixed) *wire.MessageBuilder {
	msg := wire.NewMessage(c, 4)
	msg.Method = "scale"
	msg.Args = []any{device.id, scale}
	msg.WriteObject(device)
	msg.WriteFixed(scale)
	return msg
}

func (c *outputConfiguration) Apply() *wire.MessageBuilder {
	msg := wire.NewMessage(c, 8)
	msg.Method = "apply"
	return msg
}

func (c *outputConfiguration) Destroy() *wire.MessageBuilder {
	msg := wire.NewMessage(c, 9)
	msg.Method = "destroy"
	return msg
}

func (c *outputConfiguration) Dispatch(msg *wire.MessageBuffer) error {
	switch msg.Op() {
	case 0: // applied
		c.applied = true
		logrus.Debug("kwin: configuration applied")
		return nil

	case 1: // failed
		c.failed = true
		logrus.Warn("kwin: configuration failed to apply")
		return nil

	default:
		return wire.UnknownOpError{Interface: "kde_output_configuration_v2", Type: "event", Op: msg.Op()}
	}
}
