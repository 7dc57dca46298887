package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/drblury/ctfreader/internal/runtime/errors"
	"github.com/drblury/ctfreader/internal/timeframe"
)

func TestWriteThenRead(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ctf_0001.sqlite")

	w, err := Create(ctx, path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		entry, err := w.Append(ctx, timeframe.Header{Run: 529000, FirstTFOrbit: uint32(i * 32), TFCounter: uint32(i)},
			map[timeframe.DetID][]byte{timeframe.ITS: {byte(i)}, timeframe.TPC: {1, 2, 3}})
		require.NoError(t, err)
		assert.Equal(t, int64(i), entry)
	}
	require.NoError(t, w.Close())

	r, err := Open(ctx, path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(3), r.Entries())
	assert.Equal(t, path, r.Path())

	h, err := r.Header(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), h.FirstTFOrbit)
	assert.Equal(t, timeframe.MaskOf(timeframe.ITS, timeframe.TPC), h.Detectors)

	blob, ok, err := r.Read(ctx, 1, timeframe.ITS.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1}, blob)

	_, ok, err = r.Read(ctx, 1, timeframe.MFT.String())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateAppendsAfterExistingEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ctf.sqlite")

	w, err := Create(ctx, path)
	require.NoError(t, err)
	_, err = w.Append(ctx, timeframe.Header{Run: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = Create(ctx, path)
	require.NoError(t, err)
	entry, err := w.Append(ctx, timeframe.Header{Run: 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry)
	require.NoError(t, w.Close())
}

func TestPathsWithURICharacters(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "run#529000")
	require.NoError(t, os.Mkdir(dir, 0o755))
	path := filepath.Join(dir, "ctf?0001 50%.sqlite")

	w, err := Create(ctx, path)
	require.NoError(t, err)
	_, err = w.Append(ctx, timeframe.Header{Run: 529000}, map[timeframe.DetID][]byte{timeframe.ITS: {1}})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(path)
	require.NoError(t, err, "container must be written at the exact path")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	r, err := Open(ctx, path)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, int64(1), r.Entries())
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "file:///data/a%3Fb%23c.sqlite?mode=ro&_busy_timeout=5000", dsn("/data/a?b#c.sqlite", "ro"))
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	_, err := Open(ctx, filepath.Join(dir, "missing.sqlite"))
	assert.ErrorIs(t, err, errs.ErrContainerOpen)

	garbage := filepath.Join(dir, "garbage.sqlite")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not a database file, just text padding it out"), 0o600))
	_, err = Open(ctx, garbage)
	assert.ErrorIs(t, err, errs.ErrContainerOpen)

	empty := filepath.Join(dir, "empty.sqlite")
	w, err := Create(ctx, empty)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	_, err = Open(ctx, empty)
	assert.ErrorIs(t, err, errs.ErrContainerEmpty)
}

func TestMissingHeader(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "noheader.sqlite")
	w, err := Create(ctx, path)
	require.NoError(t, err)
	require.NoError(t, w.AppendRaw(ctx, 0, timeframe.ITS.String(), []byte{1}))
	require.NoError(t, w.Close())

	r, err := Open(ctx, path)
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Header(ctx, 0)
	assert.ErrorIs(t, err, errs.ErrMissingHeader)
}
