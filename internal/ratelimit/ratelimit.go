// Package ratelimit throttles time-frame injection against downstream
// throughput. The reader asks before each injection and reports what it sent;
// downstream consumers report completion through acknowledgement messages.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ctfreader/internal/runtime/logging"
)

// Limiter is the pacing contract used by the reader.
type Limiter interface {
	// Wait blocks until one more frame may be injected or ctx ends.
	Wait(ctx context.Context) error
	// Sent records an injected frame. The reader calls it before publishing
	// so an acknowledgement can never precede it.
	Sent()
}

// Nop never throttles.
type Nop struct{}

func (Nop) Wait(context.Context) error { return nil }
func (Nop) Sent()                      {}

// New returns Nop for limit <= 0 and an Inflight limiter otherwise.
func New(limit int, logger logging.ServiceLogger) Limiter {
	if limit <= 0 {
		return Nop{}
	}
	return NewInflight(limit, logger)
}

// Inflight allows at most limit frames sent but not yet acknowledged.
type Inflight struct {
	limit  int
	logger logging.ServiceLogger
	// WarnAfter is how long Wait blocks before it logs.
	WarnAfter time.Duration

	mu     sync.Mutex
	sent   int64
	acked  int64
	notify chan struct{}
}

func NewInflight(limit int, logger logging.ServiceLogger) *Inflight {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Inflight{
		limit:     limit,
		logger:    logger,
		WarnAfter: time.Second,
		notify:    make(chan struct{}),
	}
}

func (l *Inflight) Wait(ctx context.Context) error {
	start := time.Now()
	warned := false
	for {
		l.mu.Lock()
		inflight := l.sent - l.acked
		ch := l.notify
		l.mu.Unlock()
		if inflight < int64(l.limit) {
			if warned {
				l.logger.Info("Rate limit released", logging.LogFields{"waited": time.Since(start).String()})
			}
			return nil
		}

		timer := time.NewTimer(l.WarnAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-ch:
			timer.Stop()
		case <-timer.C:
			if !warned {
				l.logger.Warn("Waiting for downstream to release time frames", logging.LogFields{
					"inflight": inflight, "limit": l.limit,
				})
				warned = true
			}
		}
	}
}

func (l *Inflight) Sent() {
	l.mu.Lock()
	l.sent++
	l.mu.Unlock()
}

// Release records that downstream finished n frames. An acknowledgement may
// arrive before the matching Sent; it is kept as credit.
func (l *Inflight) Release(n int) {
	l.mu.Lock()
	l.acked += int64(n)
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()
}

// Inflight is the number of frames sent and not acknowledged, never below 0.
func (l *Inflight) Inflight() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return max(l.sent-l.acked, 0)
}

// Consume releases one frame per message received on topic until ctx ends or
// the subscription closes. It returns once the subscription is established.
func (l *Inflight) Consume(ctx context.Context, sub message.Subscriber, topic string) error {
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				l.Release(1)
				msg.Ack()
			}
		}
	}()
	return nil
}
