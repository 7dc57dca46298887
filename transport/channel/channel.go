// Package channel provides the in-process Go channel transport. Consumers
// running in the same process subscribe to the reader's topics directly.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/ctfreader/transport"
)

const TransportName = "channel"

// OutputBuffer is the per-subscriber buffer. A frame fans out to one message
// per detector, so subscribers get room for several whole frames.
const OutputBuffer = 256

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() { Register() }

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a Go channel pub/sub. Frames published while nobody
// subscribes are dropped unless the config asks for persistence, which
// replays them to late subscribers and holds all of them in memory.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	pub, sub := Factory(gochannel.Config{
		OutputChannelBuffer: OutputBuffer,
		Persistent:          cfg.GetChannelPersistent(),
	}, logger)
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
