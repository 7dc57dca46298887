/*
Package runtime hosts a CTF reader run.

# Architecture Overview

A Service wires the time-frame reader to everything around it: the file
supply queue, the output transport picked by pubsub_system, the in-flight
rate limiter fed by an acknowledgement topic, the run metadata store and an
HTTP server exposing Prometheus metrics and a JSON status snapshot.

# Package Structure

## Core Service (service.go)

  - transport selection through the transport registry
  - S3 client for s3:// inputs, sharing the AWS settings of the SNS/SQS transport
  - run info store opened from run_info_source
  - rate limiter consuming rate_limit_ack_topic
  - HTTP servers, one mux per port

## Status (status.go)

GET /api/status reports the reader state and counters, the queue counters,
the transport capabilities and the in-flight count.

# Sub-packages

  - config/: reader configuration with validation
  - codec/: sonic JSON and protobuf codecs for control records
  - errors/: sentinel errors and error types
  - ids/: ULID generation for message ids
  - logging/: logger interface and adapters
  - metadata/: message metadata keys and helpers

# Usage Example

	cfg := ctfreader.Defaults()
	cfg.Input = "/data/run529000"
	cfg.PubSubSystem = "kafka"
	cfg.KafkaBrokers = []string{"localhost:9092"}
	cfg.MetricsEnabled = true

	svc, err := ctfreader.NewService(ctx, &cfg, logger, ctfreader.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Close()
	return svc.Start(ctx)
*/
package runtime
