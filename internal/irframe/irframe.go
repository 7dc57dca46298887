// Package irframe holds interaction-record frames and the selector that
// answers which frames overlap a time frame.
package irframe

import (
	"fmt"

	"github.com/drblury/ctfreader/internal/timeframe"
)

// InteractionRecord is a bunch crossing within an orbit.
type InteractionRecord struct {
	BC    uint16 `json:"bc"`
	Orbit uint32 `json:"orbit"`
}

// Compare orders records by orbit, then bunch crossing.
func (ir InteractionRecord) Compare(o InteractionRecord) int {
	switch {
	case ir.Orbit < o.Orbit:
		return -1
	case ir.Orbit > o.Orbit:
		return 1
	case ir.BC < o.BC:
		return -1
	case ir.BC > o.BC:
		return 1
	}
	return 0
}

func (ir InteractionRecord) String() string {
	return fmt.Sprintf("BCid: %4d Orbit: %6d", ir.BC, ir.Orbit)
}

// IRFrame is a closed [Min, Max] window of interaction records.
type IRFrame struct {
	Min    InteractionRecord `json:"min"`
	Max    InteractionRecord `json:"max"`
	IsLast bool              `json:"is_last,omitempty"`
}

// OrbitFrame spans whole orbits min..max.
func OrbitFrame(minOrbit, maxOrbit uint32) IRFrame {
	return IRFrame{
		Min: InteractionRecord{BC: 0, Orbit: minOrbit},
		Max: InteractionRecord{BC: timeframe.LHCMaxBunches - 1, Orbit: maxOrbit},
	}
}

// ForTimeFrame is the query window covering a whole time frame.
func ForTimeFrame(h timeframe.Header, tfLength int) IRFrame {
	return OrbitFrame(h.FirstTFOrbit, h.LastOrbit(tfLength))
}

// Valid reports Min <= Max.
func (f IRFrame) Valid() bool { return f.Min.Compare(f.Max) <= 0 }

// Overlaps reports whether the closed intervals share at least one record.
func (f IRFrame) Overlaps(o IRFrame) bool {
	return f.Min.Compare(o.Max) <= 0 && o.Min.Compare(f.Max) <= 0
}

func (f IRFrame) String() string {
	return fmt.Sprintf("[%s : %s]", f.Min, f.Max)
}
