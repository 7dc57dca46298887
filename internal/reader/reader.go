// Package reader streams time frames out of container files. A single
// goroutine drives the state machine
//
//	Idle -> Running -> Opening -> Streaming -> Draining -> Opening | Stopping -> Stopped
//
// taking files from the supply queue, applying the selection policy, pacing
// against downstream and publishing every accepted frame exactly once.
package reader

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/drblury/ctfreader/internal/container"
	"github.com/drblury/ctfreader/internal/filequeue"
	"github.com/drblury/ctfreader/internal/irframe"
	"github.com/drblury/ctfreader/internal/ratelimit"
	"github.com/drblury/ctfreader/internal/runinfo"
	"github.com/drblury/ctfreader/internal/runranges"
	"github.com/drblury/ctfreader/internal/runtime/codec"
	"github.com/drblury/ctfreader/internal/runtime/config"
	errs "github.com/drblury/ctfreader/internal/runtime/errors"
	"github.com/drblury/ctfreader/internal/runtime/ids"
	"github.com/drblury/ctfreader/internal/runtime/logging"
	"github.com/drblury/ctfreader/internal/timeframe"
)

// FileSupply is the part of the file queue used by the reader.
type FileSupply interface {
	Start(ctx context.Context)
	Next() (filequeue.Item, bool)
	Running() bool
	Pop(force bool)
	Stop()
	Loops() int
	Err() error
}

// Container is an opened container file.
type Container interface {
	Path() string
	Entries() int64
	Header(ctx context.Context, entry int64) (timeframe.Header, error)
	Read(ctx context.Context, entry int64, name string) ([]byte, bool, error)
	Close() error
}

// OpenFunc opens a container by path.
type OpenFunc func(ctx context.Context, path string) (Container, error)

// OpenContainer opens SQLite containers. Tests override it.
var OpenContainer OpenFunc = func(ctx context.Context, path string) (Container, error) {
	return container.Open(ctx, path)
}

// Host is the runtime the reader runs in.
type Host interface {
	// ReadyToQuit is called once the reader has stopped normally.
	ReadyToQuit()
}

// HostFunc adapts a function to Host.
type HostFunc func()

func (f HostFunc) ReadyToQuit() { f() }

// Deps are the collaborators of a reader. Logger, Publisher and Queue are required.
type Deps struct {
	Logger    logging.ServiceLogger
	Publisher message.Publisher
	Queue     FileSupply
	// RunInfo resolves run metadata for run time-span selection.
	RunInfo runinfo.Lookup
	// Limiter defaults to one built from the configured TF rate limit.
	Limiter ratelimit.Limiter
	// Patches default to runinfo.StartPatches unless disabled in the config.
	Patches runinfo.Patches
	Metrics *Metrics
	Host    Host
	Open    OpenFunc
}

// Stats summarises a run.
type Stats struct {
	FilesRead   int           `json:"files_read"`
	FilesFailed int           `json:"files_failed"`
	TFsSeen     int64         `json:"tfs_seen"`
	TFsAccepted int64         `json:"tfs_accepted"`
	Waits       int           `json:"waits"`
	WaitTime    time.Duration `json:"wait_time"`
	Loops       int           `json:"loops"`
}

// Reader is the time-frame sequencer. Apart from Snapshot it is not safe for
// concurrent use.
type Reader struct {
	cfg     *config.Config
	logger  logging.ServiceLogger
	pub     message.Publisher
	queue   FileSupply
	runInfo runinfo.Lookup
	limiter ratelimit.Limiter
	patches runinfo.Patches
	metrics *Metrics
	host    Host
	open    OpenFunc
	codec   codec.Codec
	idGen   *ids.Generator
	tracer  trace.Tracer
	topics  topics

	dets     timeframe.Mask
	ctfIDs   []int64
	maxTFs   int64
	perFile  int64
	tfLength int

	selector irframe.Selector
	spans    *runranges.Table

	state      State
	cont       Container
	item       filequeue.Item
	entry      int64
	readInFile int64
	selIdx     int
	prevRun    int64
	lastSend   time.Time

	wait      *backoff.ExponentialBackOff
	waiting   bool
	waitStart time.Time

	stats  Stats
	status atomic.Pointer[Status]
}

// Status is a snapshot of a reader, safe to take from other goroutines.
type Status struct {
	State     string `json:"state"`
	Container string `json:"container,omitempty"`
	Entry     int64  `json:"entry"`
	Stats     Stats  `json:"stats"`
}

// New validates the configuration and wires the reader. It does no I/O.
func New(cfg *config.Config, deps Deps) (*Reader, error) {
	if cfg == nil {
		return nil, errs.ErrConfigRequired
	}
	if deps.Logger == nil {
		return nil, errs.ErrLoggerRequired
	}
	if deps.Publisher == nil {
		return nil, errs.ErrPublisherRequired
	}
	if deps.Queue == nil {
		return nil, errs.ErrQueueRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, errs.NewConfigValidationError(err)
	}

	dets, err := timeframe.ParseMask(cfg.Detectors)
	if err != nil {
		return nil, errs.NewConfigValidationError(fmt.Errorf("detectors: %w", err))
	}
	ctfIDs, err := ParseIDs(cfg.SelectIDs)
	if err != nil {
		return nil, errs.NewConfigValidationError(fmt.Errorf("select ids: %w", err))
	}
	c, err := codec.ByName(cfg.HeaderCodec)
	if err != nil {
		return nil, errs.NewConfigValidationError(err)
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = config.DefaultTopicPrefix
	}

	r := &Reader{
		cfg:      cfg,
		logger:   deps.Logger,
		pub:      deps.Publisher,
		queue:    deps.Queue,
		runInfo:  deps.RunInfo,
		limiter:  deps.Limiter,
		patches:  deps.Patches,
		metrics:  deps.Metrics,
		host:     deps.Host,
		open:     deps.Open,
		codec:    c,
		idGen:    ids.NewGenerator(),
		topics:   newTopics(prefix),
		dets:     dets,
		ctfIDs:   ctfIDs,
		maxTFs:   int64(cfg.MaxTFs),
		perFile:  int64(cfg.MaxTFsPerFile),
		tfLength: cfg.TFLength,
		prevRun:  -1,
	}
	if r.limiter == nil {
		r.limiter = ratelimit.New(cfg.TFRateLimit, deps.Logger)
	}
	if r.patches == nil && !cfg.DisableStartPatch {
		r.patches = runinfo.StartPatches
	}
	if r.open == nil {
		r.open = OpenContainer
	}
	if cfg.TracingEnabled {
		r.tracer = otel.Tracer("ctfreader")
	} else {
		r.tracer = noop.NewTracerProvider().Tracer("ctfreader")
	}

	r.wait = backoff.NewExponentialBackOff()
	r.wait.InitialInterval = cfg.WaitInitial
	r.wait.MaxInterval = cfg.WaitMax
	r.wait.RandomizationFactor = 0
	if r.wait.InitialInterval <= 0 {
		r.wait.InitialInterval = config.DefaultWaitInitial
	}
	if r.wait.MaxInterval < r.wait.InitialInterval {
		r.wait.MaxInterval = r.wait.InitialInterval
	}
	return r, nil
}

// State is the current state.
func (r *Reader) State() State { return r.state }

// Snapshot returns the status recorded after the last step. It may be called
// concurrently with Run.
func (r *Reader) Snapshot() Status {
	if st := r.status.Load(); st != nil {
		return *st
	}
	return Status{State: StateIdle.String()}
}

func (r *Reader) recordStatus() {
	st := Status{State: r.state.String(), Entry: r.entry, Stats: r.Stats()}
	if r.cont != nil {
		st.Container = r.cont.Path()
	}
	r.status.Store(&st)
}

// Stats returns the counters so far.
func (r *Reader) Stats() Stats {
	s := r.stats
	s.Loops = r.queue.Loops()
	return s
}

// Start loads the selection inputs and starts the file supply. Load failures
// are fatal.
func (r *Reader) Start(ctx context.Context) error {
	if r.state != StateIdle {
		return nil
	}
	if r.cfg.IRFramesFile != "" {
		if err := r.selector.Load(r.cfg.IRFramesFile); err != nil {
			return r.fail(errs.Fatal("load IR frames", err))
		}
		r.logger.Info("IR frames loaded", logging.LogFields{
			"file": r.cfg.IRFramesFile, "frames": r.selector.Len(), "tf_length": r.tfLength,
		})
	}
	if r.cfg.RunTimeSpanFile != "" {
		t, err := runranges.Load(r.cfg.RunTimeSpanFile, r.logger)
		if err != nil {
			return r.fail(err)
		}
		r.spans = t
	}
	r.queue.Start(ctx)
	r.state = StateRunning
	r.logger.Info("Reader started", logging.LogFields{
		"input": r.cfg.Input, "detectors": r.dets.String(), "max_tfs": r.maxTFs, "ids": len(r.ctfIDs),
	})
	return nil
}

// Run steps until the reader stops. It returns the fatal error that stopped
// it, or nil on normal completion and cancellation.
func (r *Reader) Run(ctx context.Context) error {
	for {
		done, err := r.Step(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// Step runs the state machine until one frame has been emitted or the reader
// stops. done reports that the reader reached Stopped.
func (r *Reader) Step(ctx context.Context) (done bool, err error) {
	defer r.recordStatus()
	if r.state == StateIdle {
		if err := r.Start(ctx); err != nil {
			return true, err
		}
	}
	for {
		if r.state == StateStopped {
			return true, nil
		}
		if ctx.Err() != nil {
			r.logger.Info("Reader cancelled", nil)
			r.stop()
			return true, nil
		}

		switch r.state {
		case StateRunning, StateOpening:
			if r.finished() {
				r.stop()
				continue
			}
			if err := r.openNext(ctx); err != nil {
				return true, err
			}

		case StateStreaming:
			if r.entry >= r.cont.Entries() || (r.perFile > 0 && r.readInFile >= r.perFile) {
				r.state = StateDraining
				continue
			}
			emitted, err := r.processEntry(ctx)
			if err != nil {
				if ctx.Err() != nil && !errs.IsFatal(err) {
					continue
				}
				return true, r.fail(err)
			}
			if r.finished() {
				r.logger.Info("All selected time frames were injected, stopping", nil)
				r.drain()
				r.stop()
				return true, nil
			}
			if emitted {
				return false, nil
			}

		case StateDraining:
			r.drain()
			r.state = StateOpening

		case StateStopping:
			r.stop()
		}
	}
}

// finished reports that the accepted limit or the id list is exhausted.
func (r *Reader) finished() bool {
	if r.maxTFs > 0 && r.stats.TFsAccepted >= r.maxTFs {
		return true
	}
	return len(r.ctfIDs) > 0 && r.selIdx >= len(r.ctfIDs)
}

// openNext takes the next file from the queue, waiting when none is ready.
func (r *Reader) openNext(ctx context.Context) error {
	item, ok := r.queue.Next()
	if !ok {
		// Err is set before the producer reports not running
		if !r.queue.Running() {
			if err := r.queue.Err(); err != nil {
				return r.fail(err)
			}
			r.stop()
			return nil
		}
		r.waitForData(ctx)
		return nil
	}
	r.resumeAfterWait()

	r.logger.Info("Reading container", logging.LogFields{"path": item.Path, "loop": item.Loop})
	cont, err := r.open(ctx, item.Path)
	if err != nil {
		r.stats.FilesFailed++
		r.countFile("failed")
		r.logger.Error("Cannot process container, skipping", err, logging.LogFields{"path": item.Path})
		r.queue.Pop(r.cfg.MaxLoops < 1)
		r.state = StateOpening
		return nil
	}
	r.stats.FilesRead++
	r.countFile("read")
	r.cont, r.item = cont, item
	r.entry, r.readInFile = 0, 0
	r.state = StateStreaming
	return nil
}

func (r *Reader) waitForData(ctx context.Context) {
	if !r.waiting {
		r.waiting = true
		r.waitStart = time.Now()
		r.wait.Reset()
	}
	t := time.NewTimer(r.wait.NextBackOff())
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (r *Reader) resumeAfterWait() {
	if !r.waiting {
		return
	}
	r.waiting = false
	waited := time.Since(r.waitStart)
	r.stats.WaitTime += waited
	r.stats.Waits++
	if r.metrics != nil {
		r.metrics.waits.Inc()
		r.metrics.waitSeconds.Add(waited.Seconds())
	}
	if r.stats.Waits > 1 {
		r.logger.Warn("Resuming reading after waiting for data", logging.LogFields{
			"waited": waited.String(), "total_wait": r.stats.WaitTime.String(), "waits": r.stats.Waits,
		})
	}
}

// drain releases the current container and its queue item.
func (r *Reader) drain() {
	if r.cont == nil {
		return
	}
	if err := r.cont.Close(); err != nil {
		r.logger.Error("Failed to close container", err, logging.LogFields{"path": r.cont.Path()})
	}
	r.cont = nil
	r.queue.Pop(r.cfg.MaxLoops < 1)
}

// stop runs the Stopping state: summary, end of stream and quit request.
func (r *Reader) stop() {
	if r.state == StateStopped {
		return
	}
	r.state = StateStopping
	r.drain()
	r.queue.Stop()

	stats := r.Stats()
	r.logger.Info("Reader stops processing", logging.LogFields{
		"files_read": stats.FilesRead, "files_failed": stats.FilesFailed,
		"tfs_seen": stats.TFsSeen, "tfs_accepted": stats.TFsAccepted,
		"loops": stats.Loops, "waits": stats.Waits, "wait_time": stats.WaitTime.String(),
	})
	r.writeSummary()
	if r.cfg.EndOfStreamMessage {
		if err := r.publishEndOfStream(stats); err != nil {
			r.logger.Error("Failed to publish end of stream", err, nil)
		}
	}
	if r.host != nil {
		r.host.ReadyToQuit()
	}
	r.state = StateStopped
}

func (r *Reader) writeSummary() {
	if r.cfg.SummaryFile == "" {
		return
	}
	if r.stats.TFsAccepted == 0 {
		r.logger.Warn("No time frame passed selection, writing 0", logging.LogFields{"file": r.cfg.SummaryFile})
	}
	body := strconv.FormatInt(r.stats.TFsAccepted, 10) + "\n"
	if err := os.WriteFile(r.cfg.SummaryFile, []byte(body), 0o644); err != nil {
		r.logger.Error("Failed to write summary file", err, logging.LogFields{"file": r.cfg.SummaryFile})
	}
}

// fail stops the reader without the normal shutdown signals and returns the
// fatal error.
func (r *Reader) fail(err error) error {
	err = errs.Fatal("reader", err)
	r.logger.Error("Reader aborted", err, logging.LogFields{"state": r.state.String()})
	if r.cont != nil {
		_ = r.cont.Close()
		r.cont = nil
	}
	r.queue.Stop()
	r.state = StateStopped
	return err
}

// Close releases resources. It is safe after Stop and on a never started reader.
func (r *Reader) Close() error {
	if r.cont != nil {
		err := r.cont.Close()
		r.cont = nil
		if err != nil {
			return err
		}
	}
	r.queue.Stop()
	if r.state != StateStopped {
		r.state = StateStopped
	}
	return nil
}

func (r *Reader) countFile(result string) {
	if r.metrics != nil {
		r.metrics.files.WithLabelValues(result).Inc()
	}
}
