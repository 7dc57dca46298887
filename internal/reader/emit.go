package reader

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/ctfreader/internal/irframe"
	errs "github.com/drblury/ctfreader/internal/runtime/errors"
	"github.com/drblury/ctfreader/internal/runtime/logging"
	"github.com/drblury/ctfreader/internal/runtime/metadata"
	"github.com/drblury/ctfreader/internal/timeframe"
)

// Message kinds carried in metadata.KeyKind.
const (
	KindHeader      = "header"
	KindDetector    = "detector"
	KindSelIRFrames = "selirframes"
	KindTFDist      = "tfdist"
	KindEndOfStream = "eos"
)

// SelectedFrames is the auxiliary record listing the frames a time frame matched.
type SelectedFrames struct {
	Frames []irframe.IRFrame `json:"frames"`
}

type topics struct {
	header      string
	selIRFrames string
	tfDist      string
	eos         string
	detectors   [timeframe.NDetectors]string
}

func newTopics(prefix string) topics {
	t := topics{
		header:      prefix + ".header",
		selIRFrames: prefix + ".selirframes",
		tfDist:      prefix + ".tfdist",
		eos:         prefix + ".eos",
	}
	for i := range t.detectors {
		t.detectors[i] = DetectorTopic(prefix, timeframe.DetID(i))
	}
	return t
}

// DetectorTopic is the topic carrying payloads of det.
func DetectorTopic(prefix string, det timeframe.DetID) string {
	return prefix + "." + strings.ToLower(det.String())
}

type outgoing struct {
	topic string
	msg   *message.Message
}

// processEntry reads the entry under the cursor and emits it when selected.
func (r *Reader) processEntry(ctx context.Context) (bool, error) {
	entry := r.entry
	r.entry++
	r.readInFile++

	seen := r.stats.TFsSeen
	if len(r.ctfIDs) > 0 {
		if r.ctfIDs[r.selIdx] != seen {
			r.skip(entry, "id")
			return false, nil
		}
		r.selIdx++
	}

	start := time.Now()
	h, err := r.cont.Header(ctx, entry)
	if err != nil {
		return false, errs.Fatal("read header", err)
	}
	r.fixHeader(&h)

	if r.spans != nil && int64(h.Run) != r.prevRun {
		if err := r.rederiveSelection(ctx, h.Run); err != nil {
			return false, err
		}
	}
	r.prevRun = int64(h.Run)

	var matches []irframe.IRFrame
	if r.selector.IsSet() {
		query := irframe.ForTimeFrame(h, r.tfLength)
		matches = r.selector.MatchingFrames(query)
		if r.cfg.SkipSkimmedOutTF {
			accept := (len(matches) > 0) != r.cfg.InvertIRFramesSelection
			r.logger.Debug("IR frame selection", logging.LogFields{
				"matches": len(matches), "query": query.String(), "accept": accept,
				"invert": r.cfg.InvertIRFramesSelection,
			})
			if !accept {
				r.skip(entry, "selection")
				return false, nil
			}
		}
	}

	if r.cfg.LimitTFBeforeReading {
		if err := r.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}

	ctx, span := r.tracer.Start(ctx, "EmitTimeFrame", trace.WithAttributes(
		attribute.Int64("ctf.run", int64(h.Run)),
		attribute.Int64("ctf.first_tf_orbit", int64(h.FirstTFOrbit)),
		attribute.Int64("ctf.entry", entry),
		attribute.String("ctf.container", r.cont.Path()),
	))
	defer span.End()

	batch, err := r.buildMessages(ctx, entry, h, matches)
	if err != nil {
		span.RecordError(err)
		return false, errs.Fatal("build time frame", err)
	}

	if r.cfg.Delay > 0 && !r.lastSend.IsZero() {
		if gap := r.cfg.Delay - time.Since(r.lastSend); gap > 0 {
			t := time.NewTimer(gap)
			select {
			case <-ctx.Done():
				t.Stop()
				return false, ctx.Err()
			case <-t.C:
			}
		}
	}
	if !r.cfg.LimitTFBeforeReading {
		if err := r.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}

	r.limiter.Sent()
	for _, out := range batch {
		if err := r.pub.Publish(out.topic, out.msg); err != nil {
			span.RecordError(err)
			return false, errs.Fatal("publish time frame", fmt.Errorf("%s: %w", out.topic, err))
		}
	}

	accepted := r.stats.TFsAccepted
	r.stats.TFsAccepted++
	r.stats.TFsSeen++
	r.lastSend = time.Now()
	if r.metrics != nil {
		r.metrics.seen.Inc()
		r.metrics.accepted.Inc()
		r.metrics.lastAccepted.Set(float64(accepted))
		r.metrics.emitSeconds.Observe(time.Since(start).Seconds())
	}
	r.logger.Info("Read time frame", logging.LogFields{
		"tf": seen, "accepted": accepted, "entry": entry, "entries": r.cont.Entries(),
		"container": r.cont.Path(), "header": h.String(), "messages": len(batch),
	})
	return true, nil
}

func (r *Reader) skip(entry int64, reason string) {
	r.logger.Debug("Skipping time frame", logging.LogFields{
		"tf": r.stats.TFsSeen, "entry": entry, "container": r.cont.Path(), "reason": reason,
	})
	r.stats.TFsSeen++
	if r.metrics != nil {
		r.metrics.seen.Inc()
		r.metrics.rejected.WithLabelValues(reason).Inc()
	}
}

// fixHeader applies the creation time overrides and the local counter.
func (r *Reader) fixHeader(h *timeframe.Header) {
	if r.cfg.ImposeRunStartMS > 0 {
		h.CreationTime = h.CreationFromRunStart(r.cfg.ImposeRunStartMS)
	}
	if h.CreationTime == 0 && r.patches != nil {
		r.patches.Apply(h)
	}
	if r.cfg.LocalTFCounter {
		h.TFCounter = uint32(r.stats.TFsAccepted)
	}
}

// rederiveSelection rebuilds the selector from the run time spans of run.
func (r *Reader) rederiveSelection(ctx context.Context, run uint32) error {
	r.selector.Clear()
	conv, ok, err := r.spans.ToIRFrames(ctx, run, r.runInfo)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Info("Run has no time spans, all time frames will be processed", logging.LogFields{"run": run})
		return nil
	}
	r.selector.SetOwnList(conv.Frames, true)
	r.tfLength = conv.OrbitsPerTF
	verb := "selected"
	if r.cfg.InvertIRFramesSelection {
		verb = "rejected"
	}
	for _, f := range conv.Frames {
		r.logger.Info("Time frames overlapping orbits will be "+verb, logging.LogFields{
			"run": run, "min_orbit": f.Min.Orbit, "max_orbit": f.Max.Orbit,
		})
	}
	return nil
}

func (r *Reader) baseMetadata(entry int64, h timeframe.Header) metadata.Metadata {
	return metadata.New(
		metadata.KeyRun, strconv.FormatUint(uint64(h.Run), 10),
		metadata.KeyFirstOrbit, strconv.FormatUint(uint64(h.FirstTFOrbit), 10),
		metadata.KeyTFCounter, strconv.FormatUint(uint64(h.TFCounter), 10),
		metadata.KeyCreation, strconv.FormatInt(h.CreationTime, 10),
		metadata.KeySubspec, strconv.FormatUint(uint64(r.cfg.Subspec), 10),
		metadata.KeyEntry, strconv.FormatInt(entry, 10),
		metadata.KeyContainer, r.cont.Path(),
		metadata.KeyAccepted, strconv.FormatInt(r.stats.TFsAccepted, 10),
	)
}

func (r *Reader) newMessage(ctx context.Context, h timeframe.Header, payload []byte, md metadata.Metadata) *message.Message {
	msg := message.NewMessage(r.idGen.ForCreation(h.CreationTime), payload)
	msg.Metadata = metadata.ToWatermill(md)
	msg.SetContext(ctx)
	return msg
}

// buildMessages prepares every message of a time frame. Nothing is published
// when any of them fails.
func (r *Reader) buildMessages(ctx context.Context, entry int64, h timeframe.Header, matches []irframe.IRFrame) ([]outgoing, error) {
	base := r.baseMetadata(entry, h)
	var batch []outgoing

	raw, err := r.codec.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	md := base.With(metadata.KeyKind, KindHeader).With(metadata.KeyCodec, r.codec.Name())
	batch = append(batch, outgoing{r.topics.header, r.newMessage(ctx, h, raw, md)})

	for _, det := range timeframe.ReadOrder {
		if !r.dets.Has(det) {
			continue
		}
		if !h.Detectors.Has(det) {
			if !r.cfg.AllowMissingDets {
				return nil, fmt.Errorf("%w: %v", errs.ErrMissingDetector, det)
			}
			continue
		}
		blob, ok, err := r.cont.Read(ctx, entry, det.String())
		if err != nil {
			return nil, err
		}
		if !ok {
			if !r.cfg.AllowMissingDets {
				return nil, fmt.Errorf("%w: %v flagged in header but not stored", errs.ErrMissingDetector, det)
			}
			r.logger.Warn("Detector flagged in header but not stored, skipping", logging.LogFields{"detector": det.String(), "entry": entry})
			continue
		}
		body, err := timeframe.DecodePayload(det, blob)
		if err != nil {
			return nil, err
		}
		md := base.With(metadata.KeyKind, KindDetector).
			With(metadata.KeyDetector, det.String()).
			With(metadata.KeyPayloadBytes, strconv.Itoa(len(body)))
		batch = append(batch, outgoing{r.topics.detectors[det], r.newMessage(ctx, h, body, md)})
		if r.metrics != nil {
			r.metrics.payloadBytes.WithLabelValues(det.String()).Add(float64(len(body)))
		}
	}

	if r.selector.IsSet() {
		raw, err := r.codec.Marshal(SelectedFrames{Frames: matches})
		if err != nil {
			return nil, fmt.Errorf("encode selected frames: %w", err)
		}
		md := base.With(metadata.KeyKind, KindSelIRFrames).With(metadata.KeyCodec, r.codec.Name())
		batch = append(batch, outgoing{r.topics.selIRFrames, r.newMessage(ctx, h, raw, md)})
	}

	if !r.cfg.Suppress0xCCDB {
		ack := timeframe.Ack{ID: uint64(entry), FirstOrbit: h.FirstTFOrbit, RunNumber: h.Run}
		raw, err := r.codec.Marshal(ack)
		if err != nil {
			return nil, fmt.Errorf("encode acknowledgement: %w", err)
		}
		md := base.With(metadata.KeyKind, KindTFDist).With(metadata.KeyCodec, r.codec.Name())
		batch = append(batch, outgoing{r.topics.tfDist, r.newMessage(ctx, h, raw, md)})
	}
	return batch, nil
}

func (r *Reader) publishEndOfStream(stats Stats) error {
	raw, err := r.codec.Marshal(stats)
	if err != nil {
		return err
	}
	md := metadata.New(
		metadata.KeyKind, KindEndOfStream,
		metadata.KeyEndOfStream, "true",
		metadata.KeyAccepted, strconv.FormatInt(stats.TFsAccepted, 10),
		metadata.KeyCodec, r.codec.Name(),
	)
	msg := message.NewMessage(r.idGen.Next(), raw)
	msg.Metadata = metadata.ToWatermill(md)
	return r.pub.Publish(r.topics.eos, msg)
}
