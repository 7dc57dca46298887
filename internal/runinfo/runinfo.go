// Package runinfo provides run metadata (start of run, orbit at start, orbits
// per time frame) and the table used to backfill missing creation times.
package runinfo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	errs "github.com/drblury/ctfreader/internal/runtime/errors"
)

// Info is the metadata of one run. Times are ms since epoch.
type Info struct {
	Run         uint32 `yaml:"run"`
	SOR         int64  `yaml:"sor"`
	EOR         int64  `yaml:"eor"`
	OrbitSOR    int64  `yaml:"orbit_sor"`
	OrbitEOR    int64  `yaml:"orbit_eor"`
	OrbitsPerTF int    `yaml:"orbits_per_tf"`
}

// Validate checks the fields needed to convert timestamps into orbits.
func (i Info) Validate(run uint32) error {
	if i.Run != run {
		return fmt.Errorf("%w: lookup for run %d returned run %d", errs.ErrRunInfo, run, i.Run)
	}
	if i.OrbitsPerTF < 1 {
		return fmt.Errorf("%w: run %d has %d orbits per TF", errs.ErrRunInfo, run, i.OrbitsPerTF)
	}
	return nil
}

// Lookup resolves run metadata.
type Lookup interface {
	RunInfo(ctx context.Context, run uint32) (Info, error)
}

// Store is a Lookup that may hold resources.
type Store interface {
	Lookup
	Close() error
}

// Static serves run metadata from memory.
type Static struct {
	mu   sync.RWMutex
	runs map[uint32]Info
}

// NewStatic indexes infos by run.
func NewStatic(infos ...Info) *Static {
	s := &Static{runs: make(map[uint32]Info, len(infos))}
	for _, i := range infos {
		s.runs[i.Run] = i
	}
	return s
}

// Add stores or replaces the metadata of a run.
func (s *Static) Add(i Info) {
	s.mu.Lock()
	s.runs[i.Run] = i
	s.mu.Unlock()
}

func (s *Static) RunInfo(_ context.Context, run uint32) (Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.runs[run]
	if !ok {
		return Info{}, fmt.Errorf("%w: run %d not known", errs.ErrRunInfo, run)
	}
	return i, nil
}

func (s *Static) Close() error { return nil }

// Open returns the store behind source:
//
//	sqlite://<path> or sqlite3://<path>     SQLite database file
//	postgres://... or postgresql://...      PostgreSQL connection URL
//	anything else                           YAML file
func Open(ctx context.Context, source string) (Store, error) {
	switch {
	case source == "":
		return nil, fmt.Errorf("%w: no run info source configured", errs.ErrRunInfo)
	case strings.HasPrefix(source, "sqlite://"):
		return OpenSQL(ctx, DriverSQLite, strings.TrimPrefix(source, "sqlite://"))
	case strings.HasPrefix(source, "sqlite3://"):
		return OpenSQL(ctx, DriverSQLite, strings.TrimPrefix(source, "sqlite3://"))
	case strings.HasPrefix(source, "postgres://"), strings.HasPrefix(source, "postgresql://"):
		return OpenSQL(ctx, DriverPostgres, source)
	default:
		return LoadFile(source)
	}
}
