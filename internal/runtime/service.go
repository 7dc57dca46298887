package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/ctfreader/internal/filequeue"
	"github.com/drblury/ctfreader/internal/ratelimit"
	"github.com/drblury/ctfreader/internal/reader"
	"github.com/drblury/ctfreader/internal/runinfo"
	configpkg "github.com/drblury/ctfreader/internal/runtime/config"
	errspkg "github.com/drblury/ctfreader/internal/runtime/errors"
	loggingpkg "github.com/drblury/ctfreader/internal/runtime/logging"
	"github.com/drblury/ctfreader/transport"
	awstransport "github.com/drblury/ctfreader/transport/aws"
)

// shutdownTimeout bounds how long Close waits for HTTP servers to drain.
const shutdownTimeout = 5 * time.Second

var listenAndServe = func(srv *http.Server) error {
	return srv.ListenAndServe()
}

// newS3Client builds the S3 client used for s3:// inputs. Tests override it.
var newS3Client = func(ctx context.Context, conf *configpkg.Config) (filequeue.S3API, error) {
	awsCfg, err := awstransport.LoadConfig(ctx, conf)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = conf.AWSEndpoint != ""
	}), nil
}

// ServiceDependencies holds the optional collaborators of a Service. Leave
// fields nil to build them from the configuration.
type ServiceDependencies struct {
	// Transport is used as is instead of building one from Registry.
	Transport *transport.Transport
	Registry  *transport.Registry
	RunInfo   runinfo.Store
	Fetcher   filequeue.Fetcher
	S3        filequeue.S3API
	// Registerer and Gatherer default to a private registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Host       reader.Host
}

// Service wires a reader to its file queue, output transport, rate limiter
// and HTTP endpoints.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport transport.Transport
	caps      transport.Capabilities
	queue     *filequeue.Queue
	reader    *reader.Reader
	inflight  *ratelimit.Inflight
	runInfo   runinfo.Store
	gatherer  prometheus.Gatherer

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	closeOnce sync.Once
	closeErr  error
}

// NewService validates conf and builds every collaborator of the reader. The
// returned Service owns the transport and run info store, even when they were
// supplied through deps.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	log.Info("Creating CTF reader service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	s := &Service{Conf: conf, Logger: log, runInfo: deps.RunInfo}
	if err := s.build(ctx, deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, deps ServiceDependencies) error {
	conf := s.Conf

	registerer, gatherer := deps.Registerer, deps.Gatherer
	if registerer == nil {
		reg := prometheus.NewRegistry()
		registerer, gatherer = reg, reg
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.gatherer = gatherer
	queueMetrics := filequeue.NewMetrics(registerer)
	readerMetrics := reader.NewMetrics(registerer)
	if err := queueMetrics.Register(); err != nil {
		return fmt.Errorf("register file queue metrics: %w", err)
	}
	if err := readerMetrics.Register(); err != nil {
		return fmt.Errorf("register reader metrics: %w", err)
	}

	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	if deps.Transport != nil {
		s.transport = *deps.Transport
	} else {
		tr, err := registry.Build(ctx, conf, loggingpkg.NewWatermillAdapter(s.Logger))
		if err != nil {
			return err
		}
		s.transport = tr
	}
	s.caps = registry.GetCapabilities(conf.PubSubSystem)
	s.Logger.Info("Output transport ready", loggingpkg.LogFields{
		"transport":      conf.PubSubSystem,
		"ordering":       s.caps.SupportsOrdering,
		"ack":            s.caps.SupportsAck,
		"persistence":    s.caps.SupportsPersistence,
		"max_message_sz": s.caps.MaxMessageSize,
	})

	var limiter ratelimit.Limiter
	if conf.TFRateLimit > 0 {
		if s.transport.Subscriber == nil {
			return fmt.Errorf("tf rate limit on %s: %w", conf.PubSubSystem, errspkg.ErrSubscriberRequired)
		}
		if !s.caps.SupportsFlowControl() {
			s.Logger.Warn("Transport cannot guarantee acknowledgement pacing", loggingpkg.LogFields{
				"transport": conf.PubSubSystem, "tf_rate_limit": conf.TFRateLimit,
			})
		}
		s.inflight = ratelimit.NewInflight(conf.TFRateLimit, s.Logger.With(loggingpkg.LogFields{"component": "ratelimit"}))
		limiter = s.inflight
	}

	s3Client := deps.S3
	if s3Client == nil && strings.Contains(conf.Input, "s3://") {
		c, err := newS3Client(ctx, conf)
		if err != nil {
			return fmt.Errorf("create S3 client: %w", err)
		}
		s3Client = c
	}

	if s.runInfo == nil && conf.RunInfoSource != "" {
		store, err := runinfo.Open(ctx, conf.RunInfoSource)
		if err != nil {
			return errspkg.Fatal("open run info", err)
		}
		s.runInfo = store
	}

	q, err := filequeue.New(filequeue.FromConfig(conf), filequeue.Deps{
		Logger:  s.Logger.With(loggingpkg.LogFields{"component": "filequeue"}),
		Metrics: queueMetrics,
		Fetcher: deps.Fetcher,
		S3:      s3Client,
	})
	if err != nil {
		return errspkg.NewConfigValidationError(err)
	}
	s.queue = q

	readerDeps := reader.Deps{
		Logger:    s.Logger.With(loggingpkg.LogFields{"component": "reader"}),
		Publisher: s.transport.Publisher,
		Queue:     q,
		Limiter:   limiter,
		Metrics:   readerMetrics,
		Host:      deps.Host,
	}
	if s.runInfo != nil {
		readerDeps.RunInfo = s.runInfo
	}
	r, err := reader.New(conf, readerDeps)
	if err != nil {
		return err
	}
	s.reader = r

	if conf.MetricsEnabled {
		port := conf.MetricsPort
		if port == 0 {
			port = configpkg.DefaultMetricsPort
		}
		s.RegisterHTTPHandler(port, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		s.RegisterHTTPHandler(port, "/api/status", http.HandlerFunc(s.handleGetStatus))
	}
	return nil
}

// Reader is the wrapped reader.
func (s *Service) Reader() *reader.Reader { return s.reader }

// Capabilities of the output transport.
func (s *Service) Capabilities() transport.Capabilities { return s.caps }

// Start serves the registered HTTP handlers, starts consuming rate limit
// acknowledgements and runs the reader until it stops or ctx is cancelled.
// It returns the fatal error that ended the run, if any.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers()
	if s.inflight != nil {
		if err := s.inflight.Consume(ctx, s.transport.Subscriber, s.Conf.RateLimitAckTopic); err != nil {
			return errspkg.Fatal("subscribe to acknowledgements", err)
		}
		s.Logger.Info("Consuming rate limit acknowledgements", loggingpkg.LogFields{
			"topic": s.Conf.RateLimitAckTopic, "limit": s.Conf.TFRateLimit,
		})
	}
	return s.reader.Run(ctx)
}

// Close stops the HTTP servers and releases the reader, the transport and
// the run info store. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		s.httpServersMu.Lock()
		servers := s.servers
		s.servers = nil
		s.httpServersMu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		for _, srv := range servers {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		cancel()

		if s.reader != nil {
			errs = append(errs, s.reader.Close())
		} else if s.queue != nil {
			s.queue.Stop()
		}
		if s.transport.Publisher != nil || s.transport.Subscriber != nil {
			errs = append(errs, s.transport.Close())
		}
		if s.runInfo != nil {
			errs = append(errs, s.runInfo.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// RegisterHTTPHandler adds handler to the server listening on port. Servers
// start with Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// Handler returns the mux registered for port, or nil.
func (s *Service) Handler(port int) http.Handler {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()
	if mux, ok := s.httpServers[port]; ok {
		return mux
	}
	return nil
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := listenAndServe(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}
