// Command vddisplay is a small front end for the display
// reconciliation backends: it loads a connector mapping, probes for a
// usable compositor protocol, and either prints the current layout or
// applies a requested one.
package main

import (
	"errors"
	"fmt"

	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/balcsida/vd-agent/display"
	"github.com/balcsida/vd-agent/kwin"
	"github.com/balcsida/vd-agent/mutter"
)

func main() {
	var (
		mappingPath = flag.String("mapping", "", "TOML file with a [displays] table mapping connector names to display IDs")
		applySpecs  = flag.StringArray("apply", nil, "display to apply as ID:WxH+X+Y, repeatable; omit to print the current layout")
		verbose     = flag.BoolP("verbose", "v", false, "enable debug logging")
	)
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	mapping, err := loadMapping(*mappingPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading connector mapping")
	}

	backend, err := detect(mapping)
	if err != nil {
		logrus.WithError(err).Fatal("no usable display backend")
	}
	defer backend.Close()
	logrus.WithField("backend", backend.Name()).Debug("backend selected")

	if len(*applySpecs) == 0 {
		query(backend)
		return
	}

	layout, err := parseLayout(*applySpecs)
	if err != nil {
		logrus.WithError(err).Fatal("parsing requested layout")
	}
	if err := backend.Apply(layout); err != nil {
		logrus.WithError(err).Fatal("applying layout")
	}
	query(backend)
}

// detect probes the backends in order: Mutter first, then KWin. Only
// unavailability moves on to the next candidate; real failures stop
// the probe.
func detect(mapping display.ConnectorMap) (display.Backend, error) {
	b, err := mutter.New(mapping)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, display.ErrUnavailable) {
		return nil, err
	}
	logrus.WithError(err).Debug("mutter backend unavailable")

	k, err := kwin.New(mapping)
	if err == nil {
		return k, nil
	}
	if !errors.Is(err, display.ErrUnavailable) {
		return nil, err
	}
	logrus.WithError(err).Debug("kwin backend unavailable")

	return nil, display.ErrUnavailable
}

func query(backend display.Backend) {
	state, err := backend.Query()
	if err != nil {
		logrus.WithError(err).Fatal("querying layout")
	}

	fmt.Printf("desktop %dx%d, %d screen(s)\n", state.DesktopWidth, state.DesktopHeight, state.ScreenCount)
	for _, res := range state.Resolutions {
		fmt.Printf("  display %d: %dx%d+%d+%d\n", res.ID, res.Width, res.Height, res.X, res.Y)
	}
}

// loadMapping reads the connector mapping from a TOML [displays]
// table. An empty path yields an empty mapping, which makes the
// backends fall back to positional display IDs.
func loadMapping(path string) (display.ConnectorMap, error) {
	mapping := display.ConnectorMap{}
	if path == "" {
		return mapping, nil
	}

	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, err
	}
	displays, ok := tree.Get("displays").(*toml.Tree)
	if !ok {
		return nil, fmt.Errorf("%v: no [displays] table", path)
	}
	for connector, v := range displays.ToMap() {
		id, ok := v.(int64)
		if !ok || id < 0 {
			return nil, fmt.Errorf("%v: display ID for %q must be a non-negative integer", path, connector)
		}
		mapping[connector] = int(id)
	}
	return mapping, nil
}

func parseLayout(specs []string) (display.Layout, error) {
	layout := make(display.Layout, 0, len(specs))
	for _, spec := range specs {
		var cfg display.Config
		_, err := fmt.Sscanf(spec, "%d:%dx%d+%d+%d", &cfg.ID, &cfg.Width, &cfg.Height, &cfg.X, &cfg.Y)
		if err != nil {
			return nil, fmt.Errorf("bad display spec %q (want ID:WxH+X+Y): %w", spec, err)
		}
		layout = append(layout, cfg)
	}
	return layout, nil
}
