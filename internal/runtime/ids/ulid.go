package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator hands out time-sortable ULIDs for outgoing messages. A reader owns
// one Generator so message ids of a run are strictly increasing.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewGenerator returns a Generator backed by crypto/rand monotonic entropy.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// Next returns a new ULID stamped with the current wall-clock time.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

// ForCreation returns a ULID stamped with a time frame creation time given in
// milliseconds since epoch. Zero or negative times fall back to the wall clock.
func (g *Generator) ForCreation(creationMS int64) string {
	if creationMS <= 0 {
		return g.Next()
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	return ulid.MustNew(uint64(creationMS), g.entropy).String()
}
