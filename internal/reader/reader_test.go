package reader

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ctfreader/internal/filequeue"
	"github.com/drblury/ctfreader/internal/irframe"
	"github.com/drblury/ctfreader/internal/ratelimit"
	"github.com/drblury/ctfreader/internal/runinfo"
	"github.com/drblury/ctfreader/internal/runtime/codec"
	errs "github.com/drblury/ctfreader/internal/runtime/errors"
	"github.com/drblury/ctfreader/internal/runtime/logging"
	"github.com/drblury/ctfreader/internal/runtime/metadata"
	"github.com/drblury/ctfreader/internal/timeframe"
)

var itsTPC = []timeframe.DetID{timeframe.ITS, timeframe.TPC}

func TestParseIDs(t *testing.T) {
	got, err := ParseIDs("9, 3,7-9,3")
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7, 8, 9}, got)

	got, err = ParseIDs("")
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, bad := range []string{"x", "5-2", "-1", "1-y"} {
		_, err := ParseIDs(bad)
		assert.Error(t, err, bad)
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	cfg := testConfig(t, "unused")
	log := logging.NewNopLogger()
	pub := &recordingPublisher{}
	q, err := filequeue.New(filequeue.Config{}, filequeue.Deps{Logger: log})
	require.NoError(t, err)

	_, err = New(nil, Deps{})
	assert.ErrorIs(t, err, errs.ErrConfigRequired)
	_, err = New(cfg, Deps{Publisher: pub, Queue: q})
	assert.ErrorIs(t, err, errs.ErrLoggerRequired)
	_, err = New(cfg, Deps{Logger: log, Queue: q})
	assert.ErrorIs(t, err, errs.ErrPublisherRequired)
	_, err = New(cfg, Deps{Logger: log, Publisher: pub})
	assert.ErrorIs(t, err, errs.ErrQueueRequired)

	bad := *cfg
	bad.Detectors = "ITS,NOPE"
	_, err = New(&bad, Deps{Logger: log, Publisher: pub, Queue: q})
	var cve errs.ConfigValidationError
	assert.ErrorAs(t, err, &cve)

	bad = *cfg
	bad.TFLength = 0
	_, err = New(&bad, Deps{Logger: log, Publisher: pub, Queue: q})
	assert.ErrorAs(t, err, &cve)
}

func TestMaxTFsStopsAfterLimit(t *testing.T) {
	dir := t.TempDir()
	path := writeContainer(t, dir, "ctf_1.sqlite", sequentialFrames(529000, 0, 5, 128, itsTPC...)...)
	cfg := testConfig(t, path)
	cfg.MaxTFs = 2

	h := newHarness(t, cfg, Deps{})
	require.NoError(t, h.run(t))

	assert.Equal(t, StateStopped, h.reader.State())
	assert.Equal(t, []uint32{0, 1}, counters(h.headers(t)))
	assert.Equal(t, 1, h.quit)
	assert.Len(t, h.pub.onTopic("ctf.eos"), 1)

	raw, err := os.ReadFile(cfg.SummaryFile)
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(raw))
}

func TestStepEmitsAtMostOneFrame(t *testing.T) {
	path := writeContainer(t, t.TempDir(), "ctf.sqlite", sequentialFrames(529000, 0, 3, 128, itsTPC...)...)
	h := newHarness(t, testConfig(t, path), Deps{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		done, err := h.reader.Step(ctx)
		require.NoError(t, err)
		require.False(t, done)
		assert.Len(t, h.headers(t), i)
		assert.Equal(t, StateStreaming, h.reader.State())
	}
	done, err := h.reader.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, StateStopped, h.reader.State())
	assert.Equal(t, int64(3), h.reader.Stats().TFsAccepted)
}

func TestExplicitIDsAcrossContainers(t *testing.T) {
	dir := t.TempDir()
	a := writeContainer(t, dir, "ctf_a.sqlite", sequentialFrames(529000, 0, 6, 128, itsTPC...)...)
	b := writeContainer(t, dir, "ctf_b.sqlite", sequentialFrames(529000, 6, 6, 128, itsTPC...)...)
	cfg := testConfig(t, a, b)
	cfg.SelectIDs = "3,7,9"

	h := newHarness(t, cfg, Deps{})
	require.NoError(t, h.run(t))

	assert.Equal(t, []uint32{3, 7, 9}, counters(h.headers(t)))
	stats := h.reader.Stats()
	assert.Equal(t, int64(3), stats.TFsAccepted)
	// the reader stops right after id 9
	assert.Equal(t, int64(10), stats.TFsSeen)
}

func TestZeroEntryContainerCountsAsFailed(t *testing.T) {
	dir := t.TempDir()
	empty := writeContainer(t, dir, "ctf_0.sqlite")
	good := writeContainer(t, dir, "ctf_1.sqlite", sequentialFrames(529000, 0, 2, 128, itsTPC...)...)
	missing := filepath.Join(dir, "ctf_missing.sqlite")

	cfg := testConfig(t, empty, missing, good)
	h := newHarness(t, cfg, Deps{})
	require.NoError(t, h.run(t))

	stats := h.reader.Stats()
	assert.Equal(t, 1, stats.FilesFailed, "the missing file fails in the queue, not in the reader")
	assert.Equal(t, 1, stats.FilesRead)
	assert.Equal(t, int64(2), stats.TFsAccepted)
	assert.Equal(t, []uint32{0, 1}, counters(h.headers(t)))
}

func TestAcceptedCounterIsStrictlyIncreasing(t *testing.T) {
	dir := t.TempDir()
	a := writeContainer(t, dir, "a.sqlite", sequentialFrames(529000, 0, 3, 128, itsTPC...)...)
	b := writeContainer(t, dir, "b.sqlite", sequentialFrames(529000, 3, 4, 128, itsTPC...)...)
	cfg := testConfig(t, a, b)
	cfg.MaxLoops = 2

	h := newHarness(t, cfg, Deps{})
	require.NoError(t, h.run(t))

	msgs := h.pub.onTopic("ctf.header")
	require.Len(t, msgs, 14)
	for i, m := range msgs {
		got, ok := metadata.FromWatermill(m.Metadata).Uint(metadata.KeyAccepted)
		require.True(t, ok)
		assert.Equal(t, uint64(i), got)
	}
	assert.Equal(t, 2, h.reader.Stats().Loops)
}

func TestMessageLayoutPerFrame(t *testing.T) {
	path := writeContainer(t, t.TempDir(), "ctf.sqlite",
		frameSpec{run: 529000, firstOrbit: 256, counter: 2, dets: []timeframe.DetID{timeframe.TPC, timeframe.ITS, timeframe.MFT}})
	cfg := testConfig(t, path)
	cfg.Detectors = "ITS,MFT,TPC"
	cfg.Subspec = 7

	h := newHarness(t, cfg, Deps{})
	require.NoError(t, h.run(t))

	// read order puts MFT between ITS and TPC
	assert.Equal(t, []string{"ctf.header", "ctf.its", "ctf.mft", "ctf.tpc", "ctf.tfdist", "ctf.eos"}, h.pub.topics())

	tpc := h.pub.onTopic("ctf.tpc")[0]
	assert.Equal(t, "TPC-payload", string(tpc.Payload))
	assert.Equal(t, "TPC", tpc.Metadata.Get(metadata.KeyDetector))
	assert.Equal(t, "7", tpc.Metadata.Get(metadata.KeySubspec))
	assert.Equal(t, "256", tpc.Metadata.Get(metadata.KeyFirstOrbit))
	assert.Equal(t, strconv.Itoa(len("TPC-payload")), tpc.Metadata.Get(metadata.KeyPayloadBytes))

	var ack timeframe.Ack
	require.NoError(t, codec.Unmarshal(h.pub.onTopic("ctf.tfdist")[0].Payload, &ack))
	assert.Equal(t, timeframe.Ack{ID: 0, FirstOrbit: 256, RunNumber: 529000}, ack)
}

func TestSuppressAckAndEndOfStream(t *testing.T) {
	path := writeContainer(t, t.TempDir(), "ctf.sqlite", sequentialFrames(529000, 0, 1, 128, itsTPC...)...)
	cfg := testConfig(t, path)
	cfg.Suppress0xCCDB = true
	cfg.EndOfStreamMessage = false

	h := newHarness(t, cfg, Deps{})
	require.NoError(t, h.run(t))
	assert.Equal(t, []string{"ctf.header", "ctf.its", "ctf.tpc"}, h.pub.topics())
}

func TestMissingRequiredDetectorIsFatal(t *testing.T) {
	path := writeContainer(t, t.TempDir(), "ctf.sqlite",
		frameSpec{run: 529000, dets: []timeframe.DetID{timeframe.ITS}})
	cfg := testConfig(t, path)

	h := newHarness(t, cfg, Deps{})
	err := h.run(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMissingDetector)
	assert.True(t, errs.IsFatal(err))
	assert.Empty(t, h.pub.topics(), "no partial frame is published")
	assert.Equal(t, StateStopped, h.reader.State())
	assert.Zero(t, h.quit)
}

func TestMissingOptionalDetectorIsSkipped(t *testing.T) {
	path := writeContainer(t, t.TempDir(), "ctf.sqlite",
		frameSpec{run: 529000, dets: []timeframe.DetID{timeframe.ITS}})
	cfg := testConfig(t, path)
	cfg.AllowMissingDets = true

	h := newHarness(t, cfg, Deps{})
	require.NoError(t, h.run(t))
	assert.Len(t, h.pub.onTopic("ctf.its"), 1)
	assert.Empty(t, h.pub.onTopic("ctf.tpc"))
}

func TestSelectionTruthTable(t *testing.T) {
	dir := t.TempDir()
	path := writeContainer(t, dir, "ctf.sqlite", sequentialFrames(529000, 0, 3, 128, itsTPC...)...)
	frames := filepath.Join(dir, "frames.txt")
	require.NoError(t, os.WriteFile(frames, []byte("130 140\n"), 0o600))

	tests := []struct {
		name   string
		skip   bool
		invert bool
		want   []uint32
	}{
		{"skip", true, false, []uint32{1}},
		{"skip inverted", true, true, []uint32{0, 2}},
		{"forward all", false, false, []uint32{0, 1, 2}},
		{"forward all inverted", false, true, []uint32{0, 1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, path)
			cfg.IRFramesFile = frames
			cfg.SkipSkimmedOutTF = tt.skip
			cfg.InvertIRFramesSelection = tt.invert

			h := newHarness(t, cfg, Deps{})
			require.NoError(t, h.run(t))
			assert.Equal(t, tt.want, counters(h.headers(t)))

			sel := h.pub.onTopic("ctf.selirframes")
			require.Len(t, sel, len(tt.want))
			for i, m := range sel {
				var got SelectedFrames
				require.NoError(t, codec.Unmarshal(m.Payload, &got))
				if tt.want[i] == 1 {
					assert.Equal(t, []irframe.IRFrame{irframe.OrbitFrame(130, 140)}, got.Frames)
				} else {
					assert.Empty(t, got.Frames)
				}
			}
		})
	}
}

func TestRunTimeSpansSelectPerRun(t *testing.T) {
	dir := t.TempDir()
	frames := append(sequentialFrames(529000, 0, 4, 32, itsTPC...), sequentialFrames(529001, 4, 2, 32, itsTPC...)...)
	path := writeContainer(t, dir, "ctf.sqlite", frames...)
	spans := filepath.Join(dir, "spans.txt")
	require.NoError(t, os.WriteFile(spans, []byte("# run min max\n529000 40 50\n"), 0o600))

	cfg := testConfig(t, path)
	cfg.RunTimeSpanFile = spans
	cfg.RunInfoSource = "static"

	lookup := runinfo.NewStatic(runinfo.Info{Run: 529000, OrbitsPerTF: 32})
	h := newHarness(t, cfg, Deps{RunInfo: lookup})
	require.NoError(t, h.run(t))

	// run 529001 has no spans, so all its frames pass
	assert.Equal(t, []uint32{1, 4, 5}, counters(h.headers(t)))
}

func TestRunTimeSpansWithoutRunInfoIsFatal(t *testing.T) {
	dir := t.TempDir()
	path := writeContainer(t, dir, "ctf.sqlite", sequentialFrames(529000, 0, 1, 32, itsTPC...)...)
	spans := filepath.Join(dir, "spans.txt")
	require.NoError(t, os.WriteFile(spans, []byte("529000 40 50\n"), 0o600))

	cfg := testConfig(t, path)
	cfg.RunTimeSpanFile = spans
	cfg.RunInfoSource = "static"

	h := newHarness(t, cfg, Deps{RunInfo: runinfo.NewStatic()})
	err := h.run(t)
	assert.ErrorIs(t, err, errs.ErrRunInfo)
	assert.True(t, errs.IsFatal(err))
}

func TestInvalidSpanFileIsFatalAtStart(t *testing.T) {
	dir := t.TempDir()
	spans := filepath.Join(dir, "spans.txt")
	require.NoError(t, os.WriteFile(spans, []byte("100 10 20\n100 2000000000000 2000000000100\n"), 0o600))

	cfg := testConfig(t, filepath.Join(dir, "none.sqlite"))
	cfg.RunTimeSpanFile = spans
	cfg.RunInfoSource = "static"

	h := newHarness(t, cfg, Deps{})
	err := h.reader.Start(context.Background())
	assert.ErrorIs(t, err, errs.ErrMixedUnits)
	assert.Equal(t, StateStopped, h.reader.State())
}

func TestHeaderFixes(t *testing.T) {
	path := writeContainer(t, t.TempDir(), "ctf.sqlite",
		frameSpec{run: 505207, firstOrbit: 133875, counter: 40, dets: itsTPC},
		frameSpec{run: 505207, firstOrbit: 133875 + 11246, counter: 41, dets: itsTPC})

	t.Run("start patch", func(t *testing.T) {
		cfg := testConfig(t, path)
		cfg.DisableStartPatch = false
		h := newHarness(t, cfg, Deps{})
		require.NoError(t, h.run(t))
		hs := h.headers(t)
		require.Len(t, hs, 2)
		assert.Equal(t, int64(1635322620830), hs[0].CreationTime)
		assert.Equal(t, int64(1635322620830+1001), hs[1].CreationTime)
	})

	t.Run("imposed run start and local counter", func(t *testing.T) {
		cfg := testConfig(t, path)
		cfg.ImposeRunStartMS = 1_000_000
		cfg.LocalTFCounter = true
		h := newHarness(t, cfg, Deps{})
		require.NoError(t, h.run(t))
		hs := h.headers(t)
		require.Len(t, hs, 2)
		assert.Equal(t, []uint32{0, 1}, counters(hs))
		assert.Equal(t, hs[0].CreationFromRunStart(1_000_000), hs[0].CreationTime)
	})
}

func TestFetchFailureThresholdIsFatal(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, filepath.Join(dir, "m1"), filepath.Join(dir, "m2"))
	cfg.FetchFailureThreshold = -1

	h := newHarness(t, cfg, Deps{})
	err := h.run(t)
	assert.ErrorIs(t, err, errs.ErrFailureThreshold)
}

func TestPublishFailureIsFatal(t *testing.T) {
	path := writeContainer(t, t.TempDir(), "ctf.sqlite", sequentialFrames(529000, 0, 1, 128, itsTPC...)...)
	cfg := testConfig(t, path)
	pub := &recordingPublisher{fail: "ctf.header"}

	h := newHarness(t, cfg, Deps{Publisher: pub})
	err := h.run(t)
	assert.ErrorIs(t, err, errPublish)
	assert.True(t, errs.IsFatal(err))
	assert.Equal(t, "ctfreader: fatal in publish time frame: ctf.header: publish refused", err.Error())
}

// ackingPublisher acknowledges each header while the batch is still being
// published, like a downstream faster than the reader.
type ackingPublisher struct {
	recordingPublisher
	limiter *ratelimit.Inflight
}

func (p *ackingPublisher) Publish(topic string, msgs ...*message.Message) error {
	if err := p.recordingPublisher.Publish(topic, msgs...); err != nil {
		return err
	}
	if topic == "ctf.header" {
		p.limiter.Release(1)
	}
	return nil
}

func TestAcknowledgementDuringPublishDoesNotStall(t *testing.T) {
	path := writeContainer(t, t.TempDir(), "ctf.sqlite", sequentialFrames(529000, 0, 20, 128, itsTPC...)...)
	cfg := testConfig(t, path)

	limiter := ratelimit.NewInflight(1, nil)
	pub := &ackingPublisher{limiter: limiter}
	h := newHarness(t, cfg, Deps{Publisher: pub, Limiter: limiter})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.reader.Run(ctx))
	assert.Len(t, pub.onTopic("ctf.header"), 20)
	assert.Equal(t, int64(0), limiter.Inflight())
}

func TestCancellationStopsReader(t *testing.T) {
	// an endless loop over the same file only ends on cancellation
	path := writeContainer(t, t.TempDir(), "ctf.sqlite", sequentialFrames(529000, 0, 2, 128, itsTPC...)...)
	cfg := testConfig(t, path)
	cfg.MaxLoops = 0

	h := newHarness(t, cfg, Deps{})
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		_, err := h.reader.Step(ctx)
		require.NoError(t, err)
	}
	cancel()
	done, err := h.reader.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, StateStopped, h.reader.State())
	assert.Equal(t, 1, h.quit)
}

func TestDelayBetweenFrames(t *testing.T) {
	path := writeContainer(t, t.TempDir(), "ctf.sqlite", sequentialFrames(529000, 0, 3, 128, itsTPC...)...)
	cfg := testConfig(t, path)
	cfg.Delay = 20 * time.Millisecond

	h := newHarness(t, cfg, Deps{})
	start := time.Now()
	require.NoError(t, h.run(t))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestMetricsAreRecorded(t *testing.T) {
	dir := t.TempDir()
	path := writeContainer(t, dir, "ctf.sqlite", sequentialFrames(529000, 0, 3, 128, itsTPC...)...)
	cfg := testConfig(t, path)
	cfg.SelectIDs = "1"

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	h := newHarness(t, cfg, Deps{Metrics: m})
	require.NoError(t, h.run(t))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.accepted))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.seen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejected.WithLabelValues("id")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.files.WithLabelValues("read")))
}

func TestEndToEndOverGoChannel(t *testing.T) {
	path := writeContainer(t, t.TempDir(), "ctf.sqlite", sequentialFrames(529000, 0, 2, 128, itsTPC...)...)
	cfg := testConfig(t, path)
	cfg.HeaderCodec = "proto"

	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true, OutputChannelBuffer: 64}, watermill.NopLogger{})
	defer pubsub.Close()

	h := newHarness(t, cfg, Deps{Publisher: pubsub})
	require.NoError(t, h.run(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := pubsub.Subscribe(ctx, "ctf.header")
	require.NoError(t, err)

	var got []uint32
	for len(got) < 2 {
		select {
		case m := <-msgs:
			var hdr timeframe.Header
			require.NoError(t, codec.Proto{}.Unmarshal(m.Payload, &hdr))
			assert.Equal(t, "proto", m.Metadata.Get(metadata.KeyCodec))
			got = append(got, hdr.TFCounter)
			m.Ack()
		case <-ctx.Done():
			t.Fatal("timed out waiting for headers")
		}
	}
	assert.Equal(t, []uint32{0, 1}, got)
}
