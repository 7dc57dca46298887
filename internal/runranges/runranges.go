// Package runranges reads per-run selection ranges and turns them into IR
// frames once the run metadata is known.
package runranges

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/drblury/ctfreader/internal/irframe"
	"github.com/drblury/ctfreader/internal/runinfo"
	errs "github.com/drblury/ctfreader/internal/runtime/errors"
	"github.com/drblury/ctfreader/internal/runtime/logging"
	"github.com/drblury/ctfreader/internal/timeframe"
)

// TimestampThreshold separates orbit numbers from ms timestamps: limits above
// it (2018-01-01) are timestamps.
const TimestampThreshold int64 = 1514761200000

// tfAlignedFromRun is the last run whose frames were not aligned to TF
// boundaries.
const tfAlignedFromRun = 523897

// Unit of the limits in a table.
type Unit int

const (
	UnitUnknown Unit = iota
	UnitOrbit
	UnitTimestamp
)

func (u Unit) String() string {
	switch u {
	case UnitOrbit:
		return "orbits"
	case UnitTimestamp:
		return "timestamps(ms)"
	default:
		return "unknown"
	}
}

func unitOf(v int64) Unit {
	if v > TimestampThreshold {
		return UnitTimestamp
	}
	return UnitOrbit
}

// Range is a closed [Min, Max] span in the table unit.
type Range struct {
	Min int64
	Max int64
}

// Table maps runs to their ranges in file order.
type Table struct {
	Unit   Unit
	ranges map[uint32][]Range
	lines  int
}

// Load opens path and parses it.
func Load(path string, logger logging.ServiceLogger) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Fatal("load run time spans", fmt.Errorf("failed to open %s: %w", path, err))
	}
	defer f.Close()
	t, err := Parse(f, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded run time spans", logging.LogFields{
		"file": path, "spans": t.Len(), "runs": len(t.ranges), "unit": t.Unit.String(),
	})
	return t, nil
}

// Parse reads "<run> <min> <max>" triplets. Commas, semicolons and tabs count
// as blanks; '#' lines and blank lines are skipped. Malformed lines are
// logged and skipped. The unit is inferred from the first accepted line;
// inverted limits and later lines in another unit are fatal.
func Parse(r io.Reader, logger logging.ServiceLogger) (*Table, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	t := &Table{ranges: make(map[uint32][]Range)}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		fields := strings.Fields(strings.NewReplacer(";", " ", "\t", " ", ",", " ").Replace(text))
		skip := func() {
			logger.Warn("Expected <run> <range_min> <range_max>, skipping line", logging.LogFields{"line": line, "text": text})
		}
		if len(fields) < 3 {
			skip()
			continue
		}
		run, err1 := strconv.ParseUint(fields[0], 10, 32)
		lo, err2 := strconv.ParseInt(fields[1], 10, 64)
		hi, err3 := strconv.ParseInt(fields[2], 10, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			skip()
			continue
		}
		if lo > hi {
			return nil, errs.Fatal("parse run time spans",
				fmt.Errorf("%w: line %d: %s", errs.ErrInvertedRange, line, text))
		}
		// the upper limit decides the unit of a line
		u := unitOf(hi)
		if t.Unit == UnitUnknown {
			t.Unit = u
		} else if u != t.Unit {
			return nil, errs.Fatal("parse run time spans",
				fmt.Errorf("%w: line %d is not in %s: %s", errs.ErrMixedUnits, line, t.Unit, text))
		}
		t.ranges[uint32(run)] = append(t.ranges[uint32(run)], Range{Min: lo, Max: hi})
		t.lines++
	}
	if err := sc.Err(); err != nil {
		return nil, errs.Fatal("parse run time spans", err)
	}
	return t, nil
}

// Len is the number of accepted ranges.
func (t *Table) Len() int { return t.lines }

// Runs lists the runs with ranges in ascending order.
func (t *Table) Runs() []uint32 {
	runs := make([]uint32, 0, len(t.ranges))
	for r := range t.ranges {
		runs = append(runs, r)
	}
	slices.Sort(runs)
	return runs
}

// RangesFor returns the ranges of run, nil when it has none.
func (t *Table) RangesFor(run uint32) []Range {
	return slices.Clone(t.ranges[run])
}

// Conversion is the outcome of ToIRFrames.
type Conversion struct {
	Frames []irframe.IRFrame
	// OrbitsPerTF comes from the run metadata and replaces the configured TF
	// length for the run.
	OrbitsPerTF int
}

// ToIRFrames converts the ranges of run into orbit frames. A run without
// ranges yields ok=false and no metadata lookup. Missing or inconsistent run
// metadata is fatal.
func (t *Table) ToIRFrames(ctx context.Context, run uint32, lookup runinfo.Lookup) (Conversion, bool, error) {
	ranges := t.ranges[run]
	if len(ranges) == 0 {
		return Conversion{}, false, nil
	}
	if lookup == nil {
		return Conversion{}, false, errs.Fatal("convert run time spans", fmt.Errorf("%w: no lookup for run %d", errs.ErrRunInfo, run))
	}
	info, err := lookup.RunInfo(ctx, run)
	if err == nil {
		err = info.Validate(run)
	}
	if err != nil {
		return Conversion{}, false, errs.Fatal("convert run time spans", err)
	}

	perTF := int64(info.OrbitsPerTF)
	out := Conversion{OrbitsPerTF: info.OrbitsPerTF, Frames: make([]irframe.IRFrame, 0, len(ranges))}
	for _, rg := range ranges {
		lo, hi := rg.Min, rg.Max
		if t.Unit == UnitTimestamp {
			lo = info.OrbitSOR + int64(float64(rg.Min-info.SOR)/timeframe.LHCOrbitMS)
			hi = info.OrbitSOR + int64(float64(rg.Max-info.SOR)/timeframe.LHCOrbitMS)
		}
		lo, hi = max(lo, 0), max(hi, 0)
		if run > tfAlignedFromRun {
			lo = (lo / perTF) * perTF
			hi = (hi/perTF+1)*perTF - 1
		}
		out.Frames = append(out.Frames, irframe.OrbitFrame(clampOrbit(lo), clampOrbit(hi)))
	}
	return out, true, nil
}

func clampOrbit(v int64) uint32 {
	if v > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v)
}
