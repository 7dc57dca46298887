package cli

import (
	"github.com/spf13/pflag"

	"github.com/drblury/ctfreader/internal/runtime/config"
)

// bindConfigFlags registers one flag per configuration field on fs, writing
// into cfg. Defaults are taken from cfg.
func bindConfigFlags(fs *pflag.FlagSet, cfg *config.Config) {
	// input
	fs.StringVarP(&cfg.Input, "input", "i", cfg.Input, "comma-separated files, directories, @list files or s3://bucket/prefix")
	fs.StringVar(&cfg.FileRegex, "file-regex", cfg.FileRegex, "regex on base names when scanning directories and S3 prefixes")
	fs.StringVar(&cfg.RemoteRegex, "remote-regex", cfg.RemoteRegex, "regex marking inputs fetched with the copy command")
	fs.StringVar(&cfg.CopyCmd, "copy-cmd", cfg.CopyCmd, "copy command template with ?src and ?dst placeholders")
	fs.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "directory for fetched remote files")
	fs.IntVar(&cfg.MaxFileCache, "max-file-cache", cfg.MaxFileCache, "containers kept ready ahead of the reader")
	fs.IntVar(&cfg.MaxLoops, "loop", cfg.MaxLoops, "passes over the input, < 1 loops forever")
	fs.Float64Var(&cfg.FetchFailureThreshold, "fetch-failure-threshold", cfg.FetchFailureThreshold,
		"abort when fetch failures exceed this fraction (> 0) or count (< 0); 0 disables")

	// selection
	fs.StringVar(&cfg.SelectIDs, "select-ctf-ids", cfg.SelectIDs, "entry ids to read, e.g. 0,4-7")
	fs.StringVar(&cfg.IRFramesFile, "ir-frames-file", cfg.IRFramesFile, "file with IR frames to select")
	fs.StringVar(&cfg.RunTimeSpanFile, "run-time-span-file", cfg.RunTimeSpanFile, "file with per-run orbit or timestamp ranges to select")
	fs.BoolVar(&cfg.InvertIRFramesSelection, "invert-irframe-selection", cfg.InvertIRFramesSelection, "select frames without a match")
	fs.IntVar(&cfg.TFLength, "tf-length", cfg.TFLength, "orbits per time frame")
	fs.BoolVar(&cfg.SkipSkimmedOutTF, "skip-skimmed-out-tf", cfg.SkipSkimmedOutTF, "drop frames rejected by the selection")

	// header handling
	fs.BoolVar(&cfg.LocalTFCounter, "local-tf-counter", cfg.LocalTFCounter, "replace the stored TF counter by the count of frames accepted so far")
	fs.Int64Var(&cfg.ImposeRunStartMS, "impose-run-start-timestamp", cfg.ImposeRunStartMS, "derive creation times from this run start in ms")
	fs.StringVar(&cfg.RunInfoSource, "run-info-source", cfg.RunInfoSource, "run metadata: YAML file, sqlite://path or postgres:// URL")
	fs.BoolVar(&cfg.DisableStartPatch, "disable-start-patch", cfg.DisableStartPatch, "do not patch creation times of known early runs")
	fs.StringVar(&cfg.Detectors, "detectors", cfg.Detectors, "detectors to forward, e.g. all,-TPC or ITS,MFT")
	fs.BoolVar(&cfg.AllowMissingDets, "allow-missing-detectors", cfg.AllowMissingDets, "skip requested detectors absent from a frame")
	fs.Uint32Var(&cfg.Subspec, "subspec", cfg.Subspec, "subspecification set on detector blocks")
	fs.BoolVar(&cfg.Suppress0xCCDB, "suppress-0xccdb", cfg.Suppress0xCCDB, "do not publish the per-frame acknowledgement")
	fs.StringVar(&cfg.HeaderCodec, "header-codec", cfg.HeaderCodec, "codec of control records (json|proto)")
	fs.StringVar(&cfg.TopicPrefix, "topic-prefix", cfg.TopicPrefix, "prefix of every output topic")
	fs.BoolVar(&cfg.EndOfStreamMessage, "end-of-stream", cfg.EndOfStreamMessage, "publish an end-of-stream record on normal stop")

	// limits and pacing
	fs.IntVar(&cfg.MaxTFs, "max-tf", cfg.MaxTFs, "stop after this many accepted frames, <= 0 unbounded")
	fs.IntVar(&cfg.MaxTFsPerFile, "max-tf-per-file", cfg.MaxTFsPerFile, "frames read per container, <= 0 unbounded")
	fs.DurationVar(&cfg.Delay, "delay", cfg.Delay, "minimum delay between published frames")
	fs.IntVar(&cfg.TFRateLimit, "tf-rate-limit", cfg.TFRateLimit, "frames in flight before waiting for acknowledgements, 0 disables")
	fs.StringVar(&cfg.RateLimitAckTopic, "rate-limit-ack-topic", cfg.RateLimitAckTopic, "topic downstream acknowledges frames on")
	fs.BoolVar(&cfg.LimitTFBeforeReading, "limit-tf-before-reading", cfg.LimitTFBeforeReading, "apply the rate limit before reading a frame")
	fs.DurationVar(&cfg.WaitInitial, "wait-initial", cfg.WaitInitial, "first wait when no container is ready")
	fs.DurationVar(&cfg.WaitMax, "wait-max", cfg.WaitMax, "longest wait when no container is ready")
	fs.StringVar(&cfg.SummaryFile, "summary-file", cfg.SummaryFile, "file receiving the accepted frame count, empty disables")

	// transport
	fs.StringVar(&cfg.PubSubSystem, "pubsub", cfg.PubSubSystem, "output transport")
	fs.BoolVar(&cfg.ChannelPersistent, "channel-persistent", cfg.ChannelPersistent, "keep channel transport frames in memory for late subscribers")
	fs.StringSliceVar(&cfg.KafkaBrokers, "kafka-brokers", cfg.KafkaBrokers, "Kafka brokers")
	fs.StringVar(&cfg.KafkaConsumerGroup, "kafka-consumer-group", cfg.KafkaConsumerGroup, "Kafka consumer group for acknowledgements")
	fs.StringVar(&cfg.RabbitMQURL, "rabbitmq-url", cfg.RabbitMQURL, "RabbitMQ URL")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS URL")
	fs.StringVar(&cfg.HTTPServerAddress, "http-server-address", cfg.HTTPServerAddress, "listen address for acknowledgements over HTTP")
	fs.StringVar(&cfg.HTTPPublisherURL, "http-publisher-url", cfg.HTTPPublisherURL, "base URL frames are POSTed to")
	fs.StringVar(&cfg.IOFile, "io-file", cfg.IOFile, "dump file of the io transport")
	fs.StringVar(&cfg.AWSRegion, "aws-region", cfg.AWSRegion, "AWS region for SNS/SQS and S3")
	fs.StringVar(&cfg.AWSAccountID, "aws-account-id", cfg.AWSAccountID, "AWS account id")
	fs.StringVar(&cfg.AWSAccessKeyID, "aws-access-key-id", cfg.AWSAccessKeyID, "AWS access key id")
	fs.StringVar(&cfg.AWSSecretAccessKey, "aws-secret-access-key", cfg.AWSSecretAccessKey, "AWS secret access key")
	fs.StringVar(&cfg.AWSEndpoint, "aws-endpoint", cfg.AWSEndpoint, "AWS endpoint override, e.g. LocalStack")

	// observability
	fs.BoolVar(&cfg.MetricsEnabled, "metrics", cfg.MetricsEnabled, "serve /metrics and /api/status")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "port of the metrics server")
	fs.StringSliceVar(&cfg.StatusCORSAllowedOrigins, "status-cors-origin", cfg.StatusCORSAllowedOrigins, "origins allowed to read /api/status")
	fs.BoolVar(&cfg.TracingEnabled, "tracing", cfg.TracingEnabled, "record a span per emitted frame")
}

// overlayFlags copies the flags changed on the command line into cfg.
func overlayFlags(changed *pflag.FlagSet, cfg *config.Config) error {
	target := pflag.NewFlagSet("overlay", pflag.ContinueOnError)
	bindConfigFlags(target, cfg)

	var err error
	changed.Visit(func(f *pflag.Flag) {
		dst := target.Lookup(f.Name)
		if dst == nil || err != nil {
			return
		}
		if src, ok := f.Value.(pflag.SliceValue); ok {
			err = dst.Value.(pflag.SliceValue).Replace(src.GetSlice())
			return
		}
		err = dst.Value.Set(f.Value.String())
	})
	return err
}
