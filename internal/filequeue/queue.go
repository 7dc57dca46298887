// Package filequeue supplies container paths to the reader. A background
// producer resolves the input list, fetches remote files into a local cache
// and keeps a bounded number of ready files queued, looping over the input
// as configured.
package filequeue

import (
	"context"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	errs "github.com/drblury/ctfreader/internal/runtime/errors"
	"github.com/drblury/ctfreader/internal/runtime/logging"
)

// DefaultMaxInFlight bounds the number of ready files when Config leaves it unset.
const DefaultMaxInFlight = 3

// Config of a queue.
type Config struct {
	// Inputs are files, directories, list files (@file or *.txt), s3:// locations
	// or paths matching RemoteRegex.
	Inputs []string
	// FileRegex filters directory and S3 listings by base name. Empty matches all.
	FileRegex   string
	RemoteRegex string
	// CopyCmd fetches RemoteRegex paths; ?src and ?dst are substituted.
	CopyCmd  string
	CacheDir string
	// MaxInFlight bounds the ready files held in the queue.
	MaxInFlight int
	// MaxLoops passes over the input; < 1 loops forever.
	MaxLoops int
	// FailureThreshold > 0 is a fraction, < 0 an absolute count, 0 disables.
	FailureThreshold float64
}

// Deps are the collaborators of a queue. Logger is required.
type Deps struct {
	Logger  logging.ServiceLogger
	Metrics *Metrics
	// Fetcher overrides CopyCommand for RemoteRegex paths.
	Fetcher Fetcher
	S3      S3API
}

// Item is one ready container.
type Item struct {
	// Path is the local file to open.
	Path string
	// Source is the input entry the path came from.
	Source string
	Loop   int
	// Remote items live in the cache and are deleted on their last pop.
	Remote bool
}

// Stats summarises the queue activity.
type Stats struct {
	Sources  int `json:"sources"`
	Attempts int `json:"attempts"`
	Failures int `json:"failures"`
	Queued   int `json:"queued"`
	Loops    int `json:"loops"`
}

// Queue is the bounded file supply. Next and Pop are called from the consumer
// only; production runs in its own goroutine.
type Queue struct {
	cfg      Config
	deps     Deps
	fileRe   *regexp.Regexp
	remoteRe *regexp.Regexp
	fetcher  Fetcher

	mu        sync.Mutex
	items     []Item
	producing bool
	started   bool
	err       error
	stats     Stats

	space    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New validates cfg and builds an idle queue.
func New(cfg Config, deps Deps) (*Queue, error) {
	if deps.Logger == nil {
		return nil, errs.ErrLoggerRequired
	}
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = os.TempDir()
	}
	pattern := cfg.FileRegex
	if pattern == "" {
		pattern = ".*"
	}
	fileRe, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid file regex: %w", err)
	}
	q := &Queue{
		cfg:     cfg,
		deps:    deps,
		fileRe:  fileRe,
		fetcher: deps.Fetcher,
		space:   make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	if cfg.RemoteRegex != "" {
		if q.remoteRe, err = regexp.Compile(cfg.RemoteRegex); err != nil {
			return nil, fmt.Errorf("invalid remote regex: %w", err)
		}
	}
	if q.fetcher == nil {
		q.fetcher = CopyCommand{Template: cfg.CopyCmd}
	}
	return q, nil
}

// Start launches the producer. Later calls are no-ops.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	q.producing = true

	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.produce(ctx)
}

// Next peeks at the head without blocking. It reports false both while the
// producer is still working and once it is done; use Running to tell apart.
func (q *Queue) Next() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.items[0], true
}

// Running reports whether items are queued or may still be produced.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.producing || len(q.items) > 0
}

// Pop discards the head. A cached copy is deleted when force is set or the
// item belongs to the last loop, otherwise it is kept for the next loop.
func (q *Queue) Pop(force bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	head := q.items[0]
	q.items = q.items[1:]
	depth := len(q.items)
	q.mu.Unlock()

	q.deps.Metrics.setDepth(depth)
	if head.Remote && (force || q.lastLoop(head.Loop)) {
		if err := os.Remove(head.Path); err != nil && !os.IsNotExist(err) {
			q.deps.Logger.Error("Failed to remove cached file", err, logging.LogFields{"path": head.Path})
		}
	}
	select {
	case q.space <- struct{}{}:
	default:
	}
}

// Stop ends production and waits for the producer to exit.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.mu.Lock()
		cancel := q.cancel
		q.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	q.wg.Wait()
}

// Loops is the pass over the input currently being produced.
func (q *Queue) Loops() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats.Loops
}

// Err is the fatal error that ended production, if any.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *Queue) lastLoop(loop int) bool {
	return q.cfg.MaxLoops >= 1 && loop >= q.cfg.MaxLoops
}

func (q *Queue) produce(ctx context.Context) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		q.producing = false
		q.mu.Unlock()
	}()

	sources, err := q.resolve(ctx)
	if err != nil {
		q.abort(errs.Fatal("resolve inputs", err))
		return
	}
	q.mu.Lock()
	q.stats.Sources = len(sources)
	q.mu.Unlock()
	if len(sources) == 0 {
		q.deps.Logger.Warn("Input list is empty", logging.LogFields{"inputs": q.cfg.Inputs})
		return
	}

	for loop := 1; q.cfg.MaxLoops < 1 || loop <= q.cfg.MaxLoops; loop++ {
		q.mu.Lock()
		q.stats.Loops = loop
		q.mu.Unlock()
		q.deps.Metrics.setLoop(loop)
		if loop > 1 {
			q.deps.Logger.Info("Starting new loop over input files", logging.LogFields{"loop": loop})
		}

		produced := 0
		for _, src := range sources {
			if !q.waitForSpace(ctx) {
				return
			}
			item, err := q.prepare(ctx, src, loop)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if q.recordFailure(src, err, len(sources)) {
					return
				}
				continue
			}
			q.push(item)
			produced++
		}
		if produced == 0 {
			q.deps.Logger.Warn("No input file could be made available, ending supply", logging.LogFields{"loop": loop})
			return
		}
	}
}

func (q *Queue) waitForSpace(ctx context.Context) bool {
	for {
		q.mu.Lock()
		free := len(q.items) < q.cfg.MaxInFlight
		q.mu.Unlock()
		if free {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-q.stopCh:
			return false
		case <-q.space:
		}
	}
}

func (q *Queue) prepare(ctx context.Context, src string, loop int) (Item, error) {
	q.mu.Lock()
	q.stats.Attempts++
	q.mu.Unlock()

	if !q.isRemote(src) {
		q.deps.Metrics.attempt("local")
		fi, err := os.Stat(src)
		if err != nil {
			return Item{}, err
		}
		if fi.IsDir() {
			return Item{}, fmt.Errorf("%s is a directory", src)
		}
		return Item{Path: src, Source: src, Loop: loop}, nil
	}

	kind := "copy"
	fetcher := q.fetcher
	if _, _, ok := ParseS3URL(src); ok {
		kind = "s3"
		if q.deps.S3 == nil {
			return Item{}, fmt.Errorf("no S3 client configured for %s", src)
		}
		fetcher = S3Source{Client: q.deps.S3}
	}
	q.deps.Metrics.attempt(kind)

	dst := q.cachePath(src)
	if loop > 1 {
		if _, err := os.Stat(dst); err == nil {
			return Item{Path: dst, Source: src, Loop: loop, Remote: true}, nil
		}
	}
	if err := os.MkdirAll(q.cfg.CacheDir, 0o755); err != nil {
		return Item{}, err
	}
	if err := fetcher.Fetch(ctx, src, dst); err != nil {
		q.deps.Metrics.failure(kind)
		return Item{}, err
	}
	q.deps.Logger.Debug("Fetched remote file", logging.LogFields{"source": src, "path": dst})
	return Item{Path: dst, Source: src, Loop: loop, Remote: true}, nil
}

// cachePath keeps the base name and prefixes a hash of the full source so
// equal names from different locations do not collide.
func (q *Queue) cachePath(src string) string {
	return filepath.Join(q.cfg.CacheDir, fmt.Sprintf("%08x_%s", crc32.ChecksumIEEE([]byte(src)), filepath.Base(src)))
}

func (q *Queue) push(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.stats.Queued++
	depth := len(q.items)
	q.mu.Unlock()
	q.deps.Metrics.enqueued(depth)
}

// recordFailure counts a failed fetch and reports whether the threshold ended
// production.
func (q *Queue) recordFailure(src string, err error, nSources int) bool {
	q.mu.Lock()
	q.stats.Failures++
	failures, attempts := q.stats.Failures, q.stats.Attempts
	q.mu.Unlock()

	q.deps.Logger.Error("Failed to make input file available, skipping", err, logging.LogFields{
		"source": src, "failures": failures,
	})

	th := q.cfg.FailureThreshold
	var exceeded bool
	switch {
	case th > 0:
		exceeded = float64(failures) > th*float64(max(attempts, nSources))
	case th < 0:
		exceeded = float64(failures) > math.Abs(th)
	}
	if exceeded {
		q.abort(errs.Fatal("file supply", fmt.Errorf("%w: %d failures in %d attempts (threshold %g)",
			errs.ErrFailureThreshold, failures, attempts, th)))
	}
	return exceeded
}

func (q *Queue) abort(err error) {
	q.mu.Lock()
	q.err = err
	q.items = nil
	q.mu.Unlock()
	q.deps.Metrics.setDepth(0)
	q.deps.Logger.Error("File supply stopped", err, nil)
}
