// Package display defines the compositor-independent display model
// and the reconciliation logic shared by every backend: correlating
// physical outputs with guest display IDs, selecting modes, and
// aggregating the canonical resolution list.
package display

import (
	"errors"
)

// ErrUnavailable indicates that a backend's compositor protocol is
// not offered in the current session. It is not fatal; the caller is
// expected to try a different backend.
var ErrUnavailable = errors.New("display protocol unavailable")

// Mode is one supported resolution and refresh rate combination for
// an Output. Refresh is always in Hz; backends that report milli-Hz
// normalize before constructing a Mode.
type Mode struct {
	ID        string
	Width     int
	Height    int
	Refresh   float64
	Preferred bool
	Current   bool
}

// Output is one physical connector as reported by the compositor.
// At most one of Modes is current; an Output without a current mode is
// never Enabled.
type Output struct {
	Connector string
	Vendor    string
	Product   string
	Serial    string

	Modes       []*Mode
	CurrentMode *Mode

	X, Y      int
	Scale     float64
	Transform uint32
	Enabled   bool
	Primary   bool
}

// ConnectorMap maps a connector name to the guest display ID that
// the remote display protocol uses for it. It is owned by the caller
// and read-only from this package's perspective; backends hold it by
// reference for their whole lifetime and never mutate it.
type ConnectorMap map[string]int

// Config is one requested display: the guest display ID and the
// desired geometry. Display 0 is always treated as primary.
type Config struct {
	ID     int
	Width  int
	Height int
	X      int
	Y      int
}

// Layout is the full set of displays requested by one apply call, in
// guest display order.
type Layout []Config

// Resolution is one entry of the canonical resolution list returned
// by a query.
type Resolution struct {
	ID     int
	Width  int
	Height int
	X      int
	Y      int
}

// State is the result of one layout query.
type State struct {
	Resolutions   []Resolution
	DesktopWidth  int
	DesktopHeight int

	// ScreenCount is the number of enabled outputs with a current
	// mode, whether or not they were correlated with a display ID.
	ScreenCount int
}

// Backend adapts one compositor control protocol to the shared
// contract. Implementations are not safe for concurrent use; the
// caller serializes Query and Apply.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// Query returns the current layout.
	Query() (*State, error)

	// Apply reconfigures the compositor to match the requested
	// layout. There is no partial-success reporting: an error means
	// the call failed as a whole, with no guarantee about which
	// outputs, if any, were changed.
	Apply(Layout) error

	// Close releases the protocol connection.
	Close() error
}
