package transport

// Capabilities describes what a backend offers to a time-frame stream.
type Capabilities struct {
	Name string `json:"name"`

	// SupportsOrdering means messages of one topic arrive in publish order.
	// Consumers reassembling a frame from its header and detector blocks
	// rely on it.
	SupportsOrdering bool `json:"supports_ordering"`

	// SupportsAck means consumers acknowledge explicitly, so the in-flight
	// limit can be driven by an acknowledgement topic.
	SupportsAck bool `json:"supports_ack"`

	// SupportsPersistence means messages published before a consumer
	// subscribes are still delivered.
	SupportsPersistence bool `json:"supports_persistence"`

	SupportsBatching bool `json:"supports_batching"`

	// MaxMessageSize is the largest payload in bytes, 0 when unlimited or unknown.
	MaxMessageSize int64 `json:"max_message_size,omitempty"`
}

// Fits reports whether a payload of size bytes can be sent.
func (c Capabilities) Fits(size int64) bool {
	return c.MaxMessageSize <= 0 || size <= c.MaxMessageSize
}

// SupportsFlowControl reports whether acknowledgements can pace the reader.
func (c Capabilities) SupportsFlowControl() bool {
	return c.SupportsAck && c.SupportsOrdering
}

// Predefined capability sets for the bundled transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
	}

	KafkaCapabilities = Capabilities{
		Name:                "kafka",
		SupportsOrdering:    true,
		SupportsAck:         true,
		SupportsPersistence: true,
		SupportsBatching:    true,
		MaxMessageSize:      KafkaMaxMessageBytes,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                "rabbitmq",
		SupportsOrdering:    true,
		SupportsAck:         true,
		SupportsPersistence: true,
		MaxMessageSize:      128 << 20,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1 << 20,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:                "nats-jetstream",
		SupportsOrdering:    true,
		SupportsAck:         true,
		SupportsPersistence: true,
		SupportsBatching:    true,
		MaxMessageSize:      1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:                "aws",
		SupportsAck:         true,
		SupportsPersistence: true,
		SupportsBatching:    true,
		MaxMessageSize:      256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name:             "http",
		SupportsOrdering: true,
	}

	IOCapabilities = Capabilities{
		Name:                "io",
		SupportsOrdering:    true,
		SupportsPersistence: true,
	}
)

// KafkaMaxMessageBytes is the producer message limit the kafka transport
// configures. Detector blocks of a busy frame exceed the broker default.
const KafkaMaxMessageBytes = 16 << 20

// GetCapabilities returns the capabilities registered for a transport name.
// Unknown names yield a zero Capabilities carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
