// Package kafka provides the Kafka transport.
package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/ctfreader/internal/runtime/metadata"
	"github.com/drblury/ctfreader/transport"
)

const TransportName = "kafka"

// DefaultConsumerGroup is used for the acknowledgement subscription when none is configured.
const DefaultConsumerGroup = "ctf-reader"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() { Register() }

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// PartitionKey keys messages by run number so every topic keeps the frames of
// a run in one partition, in publish order.
func PartitionKey(topic string, msg *message.Message) (string, error) {
	return msg.Metadata.Get(metadata.KeyRun), nil
}

// Build creates a Kafka publisher sized for detector payloads and a
// consumer-group subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	group := cfg.GetKafkaConsumerGroup()
	if group == "" {
		group = DefaultConsumerGroup
	}
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	pubSarama := kafka.DefaultSaramaSyncPublisherConfig()
	pubSarama.Producer.MaxMessageBytes = transport.KafkaMaxMessageBytes
	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             marshaler,
		OverwriteSaramaConfig: pubSarama,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	subSarama := kafka.DefaultSaramaSubscriberConfig()
	subSarama.Consumer.Offsets.Initial = sarama.OffsetOldest
	subscriber, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           marshaler,
		OverwriteSaramaConfig: subSarama,
		ConsumerGroup:         group,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{Publisher: publisher, Subscriber: subscriber}, nil
}

func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
