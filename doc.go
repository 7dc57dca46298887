// Package ctfreader streams compressed time frames (CTFs) out of container
// files to downstream consumers over Watermill. It reads input locations
// from Config (local files and directories, list files, remote copies through
// an external command, or S3 prefixes), keeps a bounded set of containers
// ready ahead of the reader and publishes every selected time frame exactly
// once on the transport chosen by pubsub_system.
//
// Service hosts a run: it builds the file queue, the output transport, the
// run metadata store and the in-flight rate limiter, runs the reader until
// the input is exhausted or the context is cancelled and exposes Prometheus
// metrics with a JSON status snapshot over HTTP. Reader can also be driven
// directly, one Step at a time, by embedding hosts.
//
// # Selection
//
// Time frames are picked by explicit entry ids (select_ctf_ids), by
// interaction-record frames loaded from a file (ir_frames_file), or by
// per-run orbit or timestamp ranges (run_time_span_file) converted through
// run metadata. skip_skimmed_out_tf and invert_irframe_selection decide what
// happens to frames without a match.
//
// # Transports
//
// The ctf-reader binary links every transport through transport/transports:
//   - channel: in-process Go channels, persistent for late subscribers
//   - kafka: partitioned by run number
//   - rabbitmq: durable AMQP queues
//   - aws: SNS topics with SQS queues, LocalStack friendly
//   - nats and nats-jetstream: core NATS or JetStream with deduplication
//   - http: POSTs to a consumer endpoint
//   - io: JSON lines dump file
//
// # Output
//
// Each accepted frame produces a header record, one block per requested
// detector, an optional list of matched IR frames and an acknowledgement on
// the tfdist topic. An end-of-stream record closes a normal run.
package ctfreader
