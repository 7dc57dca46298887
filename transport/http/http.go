// Package http provides the HTTP transport: frames are POSTed to
// <publisher url>/<topic>, and acknowledgements can be received on a local
// server.
package http

import (
	"context"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ctfreader/transport"
)

const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() { Register() }

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// TopicURL joins the publisher base URL and a topic.
func TopicURL(base, topic string) string {
	return strings.TrimRight(base, "/") + "/" + topic
}

// Build creates the publisher and, when a server address is configured, a
// subscriber whose server starts on the first Subscribe.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	base := cfg.GetHTTPPublisherURL()
	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return http.DefaultMarshalMessageFunc(TopicURL(base, topic), msg)
		},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	addr := cfg.GetHTTPServerAddress()
	if addr == "" {
		return transport.Transport{Publisher: publisher}, nil
	}
	sub, err := SubscriberFactory(addr, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &Subscriber{Subscriber: sub, logger: logger},
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

type httpServer interface {
	StartHTTPServer() error
}

// Subscriber registers the topic route, then starts the HTTP server once.
// Routes subscribed later are added to the running server.
type Subscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	once   sync.Once
}

// Subscribe listens on /<topic>.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := s.Subscriber.Subscribe(ctx, "/"+topic)
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		srv, ok := s.Subscriber.(httpServer)
		if !ok {
			return
		}
		go func() {
			if err := srv.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
				s.logger.Error("HTTP subscriber server stopped", err, nil)
			}
		}()
	})
	return ch, nil
}
