package display

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Resolve builds the canonical resolution list from the outputs of
// one state query. Outputs whose connector appears in mapping get the
// mapped display ID. If no connector maps at all, display IDs are
// assigned positionally instead, in enumeration order. The fallback
// is all-or-nothing: when at least one connector maps, unmapped
// outputs are dropped from the result rather than recovered by
// position, so that positional IDs can never collide with mapped
// ones.
func Resolve(outputs []*Output, mapping ConnectorMap) *State {
	var mapped, unmapped []Resolution
	count := 0

	for _, out := range outputs {
		if !out.Enabled || out.CurrentMode == nil {
			continue
		}
		count++

		res := Resolution{
			Width:  out.CurrentMode.Width,
			Height: out.CurrentMode.Height,
			X:      out.X,
			Y:      out.Y,
		}

		if id, ok := mapping[out.Connector]; ok {
			res.ID = id
			logrus.WithFields(logrus.Fields{
				"connector": out.Connector,
				"display":   id,
				"geometry":  geometry(res),
			}).Debug("correlated output with guest display")
			mapped = append(mapped, res)
		} else {
			logrus.WithField("connector", out.Connector).Debug("no guest display for connector")
			unmapped = append(unmapped, res)
		}
	}

	list := mapped
	if len(mapped) == 0 {
		logrus.Debug("no connector mapping matched, assuming display ID == output index")
		for i := range unmapped {
			unmapped[i].ID = i
		}
		list = unmapped
	}

	st := &State{Resolutions: list, ScreenCount: count}
	for _, res := range list {
		if res.X+res.Width > st.DesktopWidth {
			st.DesktopWidth = res.X + res.Width
		}
		if res.Y+res.Height > st.DesktopHeight {
			st.DesktopHeight = res.Y + res.Height
		}
	}
	return st
}

// Target finds the output that a requested display ID refers to.
// Connector mapping wins; if nothing maps to the ID and the ID is a
// valid index into outputs, the output at that position is used.
// Unlike the query direction, this fallback is evaluated per display,
// not globally. Returns nil if neither applies.
func Target(outputs []*Output, mapping ConnectorMap, id int) *Output {
	for _, out := range outputs {
		if v, ok := mapping[out.Connector]; ok && v == id {
			return out
		}
	}
	if id >= 0 && id < len(outputs) {
		return outputs[id]
	}
	return nil
}

func geometry(res Resolution) string {
	return fmt.Sprintf("%dx%d+%d+%d", res.Width, res.Height, res.X, res.Y)
}
