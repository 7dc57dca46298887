package reader

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/drblury/ctfreader/internal/container"
	"github.com/drblury/ctfreader/internal/filequeue"
	"github.com/drblury/ctfreader/internal/runtime/config"
	"github.com/drblury/ctfreader/internal/runtime/logging"
	"github.com/drblury/ctfreader/internal/timeframe"
)

// recordingPublisher keeps every published message in order.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	fail string
}

type published struct {
	topic string
	msg   *message.Message
}

func (p *recordingPublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != "" && topic == p.fail {
		return errPublish
	}
	for _, m := range msgs {
		p.msgs = append(p.msgs, published{topic: topic, msg: m})
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) onTopic(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*message.Message
	for _, m := range p.msgs {
		if m.topic == topic {
			out = append(out, m.msg)
		}
	}
	return out
}

func (p *recordingPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.topic
	}
	return out
}

type publishError string

func (e publishError) Error() string { return string(e) }

const errPublish = publishError("publish refused")

// frameSpec describes one entry written by writeContainer.
type frameSpec struct {
	run        uint32
	firstOrbit uint32
	counter    uint32
	dets       []timeframe.DetID
}

func writeContainer(t *testing.T, dir, name string, frames ...frameSpec) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(dir, name)
	w, err := container.Create(ctx, path)
	require.NoError(t, err)
	for _, f := range frames {
		payloads := make(map[timeframe.DetID][]byte, len(f.dets))
		for _, det := range f.dets {
			blob, err := timeframe.EncodePayload(det, timeframe.CompressionZstd, []byte(det.String()+"-payload"))
			require.NoError(t, err)
			payloads[det] = blob
		}
		_, err := w.Append(ctx, timeframe.Header{Run: f.run, FirstTFOrbit: f.firstOrbit, TFCounter: f.counter}, payloads)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return path
}

// sequentialFrames builds n frames of run with consecutive counters starting
// at counter0 and orbits spaced by tfLength.
func sequentialFrames(run uint32, counter0, n, tfLength int, dets ...timeframe.DetID) []frameSpec {
	out := make([]frameSpec, n)
	for i := range out {
		c := counter0 + i
		out[i] = frameSpec{run: run, firstOrbit: uint32(c * tfLength), counter: uint32(c), dets: dets}
	}
	return out
}

func testConfig(t *testing.T, inputs ...string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Input = strings.Join(inputs, ",")
	cfg.SummaryFile = filepath.Join(t.TempDir(), config.DefaultSummaryFile)
	cfg.WaitInitial = time.Millisecond
	cfg.WaitMax = 2 * time.Millisecond
	cfg.Detectors = "ITS,TPC"
	cfg.DisableStartPatch = true
	return &cfg
}

type harness struct {
	reader *Reader
	pub    *recordingPublisher
	quit   int
}

func newHarness(t *testing.T, cfg *config.Config, deps Deps) *harness {
	t.Helper()
	h := &harness{pub: &recordingPublisher{}}
	if deps.Logger == nil {
		deps.Logger = logging.NewNopLogger()
	}
	if deps.Publisher == nil {
		deps.Publisher = h.pub
	}
	if deps.Queue == nil {
		q, err := filequeue.New(filequeue.FromConfig(cfg), filequeue.Deps{Logger: deps.Logger})
		require.NoError(t, err)
		deps.Queue = q
	}
	if deps.Host == nil {
		deps.Host = HostFunc(func() { h.quit++ })
	}
	r, err := New(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	h.reader = r
	return h
}

func (h *harness) run(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.reader.Run(ctx)
}

func (h *harness) headers(t *testing.T) []timeframe.Header {
	t.Helper()
	var out []timeframe.Header
	for _, m := range h.pub.onTopic("ctf.header") {
		var hdr timeframe.Header
		require.NoError(t, h.reader.codec.Unmarshal(m.Payload, &hdr))
		out = append(out, hdr)
	}
	return out
}

func counters(hs []timeframe.Header) []uint32 {
	out := make([]uint32, len(hs))
	for i, h := range hs {
		out[i] = h.TFCounter
	}
	return out
}
