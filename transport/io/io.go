// Package io provides a file transport: every published message becomes one
// JSON line of a dump file, which a subscriber can tail.
package io

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ctfreader/internal/runtime/codec"
	"github.com/drblury/ctfreader/transport"
)

const TransportName = "io"

// DefaultFilePath is used when no file is configured.
const DefaultFilePath = "ctf_messages.jsonl"

// PollInterval is how long a subscriber sleeps at the end of the file.
var PollInterval = 50 * time.Millisecond

// ErrClosed is returned when publishing after Close.
var ErrClosed = errors.New("io publisher is closed")

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return NewPublisher(filePath, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return &Subscriber{filePath: filePath, logger: logger}, nil
}

func init() { Register() }

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Build opens the dump file for appending.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}
	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	sub, err := SubscriberFactory(filePath, logger)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// Record is one line of the dump file.
type Record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends records to a file kept open until Close.
type Publisher struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	logger watermill.LoggerAdapter
}

// NewPublisher opens filePath for appending, creating it when needed.
func NewPublisher(filePath string, logger watermill.LoggerAdapter) (*Publisher, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &Publisher{f: f, w: bufio.NewWriter(f), logger: logger}, nil
}

// Publish writes the messages and flushes, so a frame is visible to readers
// of the file once Publish returns.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return ErrClosed
	}
	for _, msg := range messages {
		line, err := codec.Marshal(Record{UUID: msg.UUID, Topic: topic, Metadata: msg.Metadata, Payload: msg.Payload})
		if err != nil {
			return err
		}
		if _, err := p.w.Write(append(line, '\n')); err != nil {
			return err
		}
	}
	return p.w.Flush()
}

// Close flushes and closes the file. It is idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return nil
	}
	err := errors.Join(p.w.Flush(), p.f.Close())
	p.f = nil
	return err
}

// Subscriber tails the dump file for records of one topic.
type Subscriber struct {
	filePath string
	logger   watermill.LoggerAdapter
}

// Subscribe delivers records of topic from the start of the file, then
// follows appended lines until ctx ends. Each message waits for its ack or
// nack before the next is delivered.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}
	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	r := bufio.NewReader(f)
	var partial []byte
	for {
		chunk, err := r.ReadBytes('\n')
		partial = append(partial, chunk...)
		if errors.Is(err, io.EOF) {
			// keep an unterminated line until the writer completes it
			select {
			case <-ctx.Done():
				return
			case <-time.After(PollInterval):
			}
			continue
		}
		if err != nil {
			s.logger.Error("Failed to read message file", err, watermill.LogFields{"file": s.filePath})
			return
		}
		line := bytes.TrimSpace(partial)
		partial = nil
		if len(line) == 0 {
			continue
		}
		if !s.deliver(ctx, line, topic, out) {
			return
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, line []byte, topic string, out chan<- *message.Message) bool {
	var rec Record
	if err := codec.Unmarshal(line, &rec); err != nil {
		s.logger.Error("Skipping malformed message line", err, watermill.LogFields{"file": s.filePath})
		return true
	}
	if rec.Topic != topic {
		return true
	}
	msg := message.NewMessage(rec.UUID, rec.Payload)
	for k, v := range rec.Metadata {
		msg.Metadata.Set(k, v)
	}
	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	}
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Message nacked", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return false
	}
	return true
}

// Close is a no-op; subscriptions end with their context.
func (s *Subscriber) Close() error { return nil }
