// Package jetstream provides a NATS JetStream transport. Frames are kept in
// one stream so consumers can join late or replay a run.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/ctfreader/transport"
)

const TransportName = "nats-jetstream"

const (
	DefaultStreamName = "CTF"
	DefaultMaxDeliver = 3
	DefaultAckWait    = 30 * time.Second
	DefaultMaxAge     = 24 * time.Hour
	FetchBatch        = 16
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("jetstream transport is closed")

func init() { Register() }

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build connects to the configured server and ensures the stream exists.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: t, Subscriber: t}, nil
}

func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream settings.
type Config struct {
	URL        string
	StreamName string
	MaxDeliver int
	AckWait    time.Duration
	MaxAge     time.Duration
	Replicas   int
	// RetentionPolicy is "limits" (default), "interest" or "workqueue".
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) streamConfig() *nats.StreamConfig {
	sc := &nats.StreamConfig{
		Name:     c.StreamName,
		Subjects: []string{c.StreamName + ".>"},
		MaxAge:   c.MaxAge,
		Replicas: c.Replicas,
		// message ids deduplicate republished frames after a reconnect
		Duplicates: 2 * time.Minute,
	}
	switch c.RetentionPolicy {
	case "interest":
		sc.Retention = nats.InterestPolicy
	case "workqueue":
		sc.Retention = nats.WorkQueuePolicy
	default:
		sc.Retention = nats.LimitsPolicy
	}
	return sc
}

// Transport publishes to and pulls from one JetStream stream.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed bool
	done   chan struct{}
}

// New connects and creates or updates the stream.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("ctf-reader"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	sc := cfg.streamConfig()
	if _, err := js.AddStream(sc); err != nil {
		if _, uerr := js.UpdateStream(sc); uerr != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.StreamName, errors.Join(err, uerr))
		}
	}

	return &Transport{nc: nc, js: js, config: cfg, logger: logger, done: make(chan struct{})}, nil
}

// Subject maps a topic onto the stream subject space.
func (t *Transport) Subject(topic string) string {
	return t.config.StreamName + "." + topic
}

// Durable is the consumer name used for a topic. Dots are not allowed in
// consumer names.
func (t *Transport) Durable(topic string) string {
	return "ctf_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Publish stores messages synchronously, using the message UUID as the
// deduplication id.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	subject := t.Subject(topic)
	for _, msg := range messages {
		nm := nats.NewMsg(subject)
		nm.Data = msg.Payload
		for k, v := range msg.Metadata {
			nm.Header.Set(k, v)
		}
		if _, err := t.js.PublishMsg(nm, nats.MsgId(msg.UUID)); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Subscribe pulls messages of topic through a durable consumer. Watermill
// acks and nacks are forwarded to the server.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	subject := t.Subject(topic)
	durable := t.Durable(topic)

	cc := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, cc); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, cc); err != nil {
			return nil, fmt.Errorf("failed to create consumer %s: %w", durable, err)
		}
	}
	sub, err := t.js.PullSubscribe(subject, durable, nats.Bind(t.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	out := make(chan *message.Message)
	go t.pull(ctx, sub, out, topic)
	return out, nil
}

func (t *Transport) pull(ctx context.Context, sub *nats.Subscription, out chan<- *message.Message, topic string) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		msgs, err := sub.Fetch(FetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			continue
		}
		for _, nm := range msgs {
			if !t.deliver(ctx, nm, out) {
				return
			}
		}
	}
}

func (t *Transport) deliver(ctx context.Context, nm *nats.Msg, out chan<- *message.Message) bool {
	msg := ToMessage(nm)
	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	}
	select {
	case <-msg.Acked():
		if err := nm.Ack(); err != nil {
			t.logger.Error("Failed to ack", err, watermill.LogFields{"uuid": msg.UUID})
		}
	case <-msg.Nacked():
		if err := nm.Nak(); err != nil {
			t.logger.Error("Failed to nak", err, watermill.LogFields{"uuid": msg.UUID})
		}
	case <-ctx.Done():
		return false
	}
	return true
}

// ToMessage converts a stored message back to watermill, taking the UUID
// from the deduplication header.
func ToMessage(nm *nats.Msg) *message.Message {
	id := nm.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewULID()
	}
	msg := message.NewMessage(id, nm.Data)
	for k, v := range nm.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

// Close unsubscribes every consumer and drops the connection. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	t.nc.Close()
	return nil
}

// Capabilities implements transport.CapabilitiesProvider.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
