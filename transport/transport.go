// Package transport defines how the reader reaches its downstream consumers.
// Each backend (kafka, rabbitmq, aws, ...) lives in its own sub-package and
// registers a Builder under the name used by the pubsub_system setting.
//
// Every backend carries the same topic layout below the topic_prefix
// setting (default "ctf"):
//
//	<prefix>.header       one header record per time frame
//	<prefix>.<det>        one payload block per forwarded detector, e.g. ctf.its
//	<prefix>.selirframes  matching IR frames when unselected frames are kept
//	<prefix>.tfdist       per-frame acknowledgement (entry, first orbit, run)
//	<prefix>.eos          end of stream, published once at stop
//
// The acknowledgement topic consumed for the in-flight rate limit is separate
// (rate_limit_ack_topic, default ctf.ack).
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
// The reader publishes time frames and subscribes to the acknowledgement
// topic used by the in-flight rate limit.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides, publisher first. Backends returning one value for
// both sides must tolerate a second Close.
func (t Transport) Close() error {
	var err error
	if t.Publisher != nil {
		err = t.Publisher.Close()
	}
	if t.Subscriber != nil {
		if serr := t.Subscriber.Close(); err == nil {
			err = serr
		}
	}
	return err
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values transports need without depending on the full
// reader configuration.
type Config interface {
	GetPubSubSystem() string

	// Channel
	GetChannelPersistent() bool

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS and JetStream
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// IO
	GetIOFile() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
