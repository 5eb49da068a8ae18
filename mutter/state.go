package mutter

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/balcsida/vd-agent/display"
)

// Wire shapes of the GetCurrentState return value,
// (u a((ssss)a(siiddada{sv})a{sv}) a(iidub a(ssss) a{sv}) a{sv}).
// Field order matters; dbus.Store fills them positionally.

type monitorSpec struct {
	Connector string
	Vendor    string
	Product   string
	Serial    string
}

type monitorMode struct {
	ID              string
	Width           int32
	Height          int32
	RefreshRate     float64
	PreferredScale  float64
	SupportedScales []float64
	Properties      map[string]dbus.Variant
}

type monitor struct {
	Spec       monitorSpec
	Modes      []monitorMode
	Properties map[string]dbus.Variant
}

type logicalMonitor struct {
	X          int32
	Y          int32
	Scale      float64
	Transform  uint32
	Primary    bool
	Monitors   []monitorSpec
	Properties map[string]dbus.Variant
}

// Wire shapes of the ApplyMonitorsConfig argument,
// a(iidub a(ssa{sv})).

type applyMonitor struct {
	Connector  string
	Mode       string
	Properties map[string]dbus.Variant
}

type applyLogicalMonitor struct {
	X         int32
	Y         int32
	Scale     float64
	Transform uint32
	Primary   bool
	Monitors  []applyMonitor
}

// decodeCurrentState turns a GetCurrentState reply body into the
// uniform output model. Any shape mismatch aborts the whole decode;
// trailing reply values beyond the four known ones are ignored for
// forward compatibility.
func decodeCurrentState(body []any) (uint32, []*display.Output, error) {
	if len(body) < 4 {
		return 0, nil, fmt.Errorf("GetCurrentState returned %d values, want at least 4", len(body))
	}

	var (
		serial   uint32
		monitors []monitor
		logical  []logicalMonitor
		props    map[string]dbus.Variant
	)
	if err := dbus.Store(body[:4], &serial, &monitors, &logical, &props); err != nil {
		return 0, nil, fmt.Errorf("decode GetCurrentState: %w", err)
	}

	outputs := make([]*display.Output, 0, len(monitors))
	for _, mon := range monitors {
		out := &display.Output{
			Connector: mon.Spec.Connector,
			Vendor:    mon.Spec.Vendor,
			Product:   mon.Spec.Product,
			Serial:    mon.Spec.Serial,
			Scale:     1.0,
		}

		for _, m := range mon.Modes {
			mode := &display.Mode{
				ID:        m.ID,
				Width:     int(m.Width),
				Height:    int(m.Height),
				Refresh:   m.RefreshRate,
				Current:   boolProp(m.Properties, "is-current"),
				Preferred: boolProp(m.Properties, "is-preferred"),
			}
			out.Modes = append(out.Modes, mode)
			if mode.Current {
				out.CurrentMode = mode
			}
		}
		out.Enabled = out.CurrentMode != nil

		if lm, ok := placementFor(logical, out.Connector); ok {
			out.X = int(lm.X)
			out.Y = int(lm.Y)
			out.Scale = lm.Scale
			out.Transform = lm.Transform
			out.Primary = lm.Primary
		}

		logrus.WithFields(logrus.Fields{
			"connector": out.Connector,
			"enabled":   out.Enabled,
			"modes":     len(out.Modes),
		}).Debug("mutter: parsed monitor")

		outputs = append(outputs, out)
	}

	return serial, outputs, nil
}

// placementFor finds the logical monitor grouping that contains the
// connector.
func placementFor(logical []logicalMonitor, connector string) (logicalMonitor, bool) {
	for _, lm := range logical {
		for _, spec := range lm.Monitors {
			if spec.Connector == connector {
				return lm, true
			}
		}
	}
	return logicalMonitor{}, false
}

func boolProp(props map[string]dbus.Variant, key string) bool {
	v, ok := props[key]
	if !ok {
		return false
	}
	b, ok := v.Value().(bool)
	return ok && b
}

// buildLogicalMonitors encodes the requested layout into the
// ApplyMonitorsConfig grouping list. Position comes from the request;
// scale and transform are copied unchanged from the output's current
// state; only display 0 is marked primary. Displays with no
// correlatable output, or no usable mode, are skipped.
func buildLogicalMonitors(outputs []*display.Output, mapping display.ConnectorMap, layout display.Layout) []applyLogicalMonitor {
	logical := make([]applyLogicalMonitor, 0, len(layout))

	for _, cfg := range layout {
		target := display.Target(outputs, mapping, cfg.ID)
		if target == nil {
			logrus.WithField("display", cfg.ID).Warn("mutter: no monitor found for guest display")
			continue
		}

		var modeID string
		if mode := target.BestMode(cfg.Width, cfg.Height); mode != nil {
			modeID = mode.ID
			logrus.WithFields(logrus.Fields{
				"connector": target.Connector,
				"mode":      modeID,
				"position":  fmt.Sprintf("+%d+%d", cfg.X, cfg.Y),
			}).Debug("mutter: setting mode")
		} else {
			display.WarnModeMiss(target, cfg.Width, cfg.Height)
			if target.CurrentMode == nil {
				logrus.WithField("connector", target.Connector).Warn("mutter: no valid mode for monitor")
				continue
			}
			modeID = target.CurrentMode.ID
			logrus.WithFields(logrus.Fields{
				"connector": target.Connector,
				"mode":      modeID,
			}).Warn("mutter: falling back to current mode")
		}

		scale := target.Scale
		if scale <= 0 {
			scale = 1.0
		}

		logical = append(logical, applyLogicalMonitor{
			X:         int32(cfg.X),
			Y:         int32(cfg.Y),
			Scale:     scale,
			Transform: target.Transform,
			Primary:   cfg.ID == 0,
			Monitors: []applyMonitor{{
				Connector:  target.Connector,
				Mode:       modeID,
				Properties: map[string]dbus.Variant{},
			}},
		})
	}

	return logical
}
