package runranges

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ctfreader/internal/irframe"
	"github.com/drblury/ctfreader/internal/runinfo"
	errs "github.com/drblury/ctfreader/internal/runtime/errors"
	"github.com/drblury/ctfreader/internal/runtime/logging"
)

func TestParseSingleTimestampLine(t *testing.T) {
	tbl, err := Parse(strings.NewReader("505207 133875 1635322620830\n# note\n\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, UnitTimestamp, tbl.Unit)
	assert.Equal(t, []Range{{Min: 133875, Max: 1635322620830}}, tbl.RangesFor(505207))
	assert.Equal(t, 1, tbl.Len())
}

func TestParseSeparatorsAndTolerance(t *testing.T) {
	in := "100;10\t20\n100,30,40\nbad line\n101 x 5\n102 50 60 extra\n"
	tbl, err := Parse(strings.NewReader(in), logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, UnitOrbit, tbl.Unit)
	assert.Equal(t, []Range{{10, 20}, {30, 40}}, tbl.RangesFor(100))
	assert.Nil(t, tbl.RangesFor(101))
	assert.Equal(t, []uint32{100, 102}, tbl.Runs())
}

func TestParseMixedUnitsIsFatal(t *testing.T) {
	_, err := Parse(strings.NewReader("100 10 20\n100 2000000000000 2000000000100\n"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMixedUnits)
	assert.True(t, errs.IsFatal(err))
}

func TestParseInvertedRangeIsFatal(t *testing.T) {
	_, err := Parse(strings.NewReader("100 20 10\n"), nil)
	assert.ErrorIs(t, err, errs.ErrInvertedRange)
	assert.True(t, errs.IsFatal(err))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "none.txt"), logging.NewNopLogger())
	assert.True(t, errs.IsFatal(err))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spans.txt")
	require.NoError(t, os.WriteFile(path, []byte("7 1 2\n"), 0o600))
	tbl, err := Load(path, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Len(t, tbl.RangesFor(7), 1)
}

func TestToIRFramesTimestampsSnapped(t *testing.T) {
	const sor = 1666000000000
	tbl, err := Parse(strings.NewReader("529000 1666000001000 1666000002000\n"), nil)
	require.NoError(t, err)

	lookup := runinfo.NewStatic(runinfo.Info{Run: 529000, SOR: sor, OrbitSOR: 1024, OrbitsPerTF: 32})
	conv, ok, err := tbl.ToIRFrames(context.Background(), 529000, lookup)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 32, conv.OrbitsPerTF)
	assert.Equal(t, []irframe.IRFrame{irframe.OrbitFrame(12256, 23519)}, conv.Frames)
}

func TestToIRFramesOrbitsOldRunNotSnapped(t *testing.T) {
	tbl, err := Parse(strings.NewReader("505207 100 200\n"), nil)
	require.NoError(t, err)

	lookup := runinfo.NewStatic(runinfo.Info{Run: 505207, OrbitsPerTF: 128})
	conv, ok, err := tbl.ToIRFrames(context.Background(), 505207, lookup)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []irframe.IRFrame{irframe.OrbitFrame(100, 200)}, conv.Frames)
}

func TestToIRFramesClampsNegative(t *testing.T) {
	tbl, err := Parse(strings.NewReader("505207 133875 1635322620830\n"), nil)
	require.NoError(t, err)

	lookup := runinfo.NewStatic(runinfo.Info{Run: 505207, SOR: 1635322620830, OrbitSOR: 0, OrbitsPerTF: 128})
	conv, _, err := tbl.ToIRFrames(context.Background(), 505207, lookup)
	require.NoError(t, err)
	assert.Equal(t, []irframe.IRFrame{irframe.OrbitFrame(0, 0)}, conv.Frames)
}

func TestToIRFramesRunWithoutRanges(t *testing.T) {
	tbl, err := Parse(strings.NewReader("1 1 2\n"), nil)
	require.NoError(t, err)
	_, ok, err := tbl.ToIRFrames(context.Background(), 2, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestToIRFramesMissingMetadataIsFatal(t *testing.T) {
	tbl, err := Parse(strings.NewReader("1 1 2\n"), nil)
	require.NoError(t, err)

	_, _, err = tbl.ToIRFrames(context.Background(), 1, runinfo.NewStatic())
	assert.ErrorIs(t, err, errs.ErrRunInfo)
	assert.True(t, errs.IsFatal(err))

	bad := runinfo.NewStatic(runinfo.Info{Run: 1, OrbitsPerTF: 0})
	_, _, err = tbl.ToIRFrames(context.Background(), 1, bad)
	assert.ErrorIs(t, err, errs.ErrRunInfo)
}
