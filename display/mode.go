package display

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// BestMode picks the mode that best satisfies a requested resolution:
// an exact width/height match with the highest refresh rate. Returns
// nil if the output offers no mode with that resolution; the caller
// decides whether to fall back to the current mode.
func (out *Output) BestMode(width, height int) *Mode {
	var best *Mode
	for _, mode := range out.Modes {
		if mode.Width != width || mode.Height != height {
			continue
		}
		if best == nil || mode.Refresh > best.Refresh {
			best = mode
		}
	}
	return best
}

// WarnModeMiss logs that a requested resolution is not offered by an
// output and enumerates every known mode for diagnosis.
func WarnModeMiss(out *Output, width, height int) {
	logrus.WithFields(logrus.Fields{
		"connector": out.Connector,
		"requested": fmt.Sprintf("%dx%d", width, height),
	}).Warn("requested resolution not available, known modes follow")
	for _, mode := range out.Modes {
		suffix := ""
		if mode.Current {
			suffix += " (current)"
		}
		if mode.Preferred {
			suffix += " (preferred)"
		}
		logrus.Warnf("  %s: %dx%d @ %.2fHz%s", mode.ID, mode.Width, mode.Height, mode.Refresh, suffix)
	}
}
