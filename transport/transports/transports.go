// Package transports imports every bundled transport so each registers
// itself with the default registry.
package transports

import (
	_ "github.com/drblury/ctfreader/transport/aws"
	_ "github.com/drblury/ctfreader/transport/channel"
	_ "github.com/drblury/ctfreader/transport/http"
	_ "github.com/drblury/ctfreader/transport/io"
	_ "github.com/drblury/ctfreader/transport/jetstream"
	_ "github.com/drblury/ctfreader/transport/kafka"
	_ "github.com/drblury/ctfreader/transport/nats"
	_ "github.com/drblury/ctfreader/transport/rabbitmq"
)
