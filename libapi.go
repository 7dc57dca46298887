package ctfreader

import (
	"github.com/drblury/ctfreader/internal/filequeue"
	"github.com/drblury/ctfreader/internal/irframe"
	"github.com/drblury/ctfreader/internal/ratelimit"
	"github.com/drblury/ctfreader/internal/reader"
	"github.com/drblury/ctfreader/internal/runinfo"
	runtimepkg "github.com/drblury/ctfreader/internal/runtime"
	"github.com/drblury/ctfreader/internal/runtime/codec"
	configpkg "github.com/drblury/ctfreader/internal/runtime/config"
	errspkg "github.com/drblury/ctfreader/internal/runtime/errors"
	loggingpkg "github.com/drblury/ctfreader/internal/runtime/logging"
	metadatapkg "github.com/drblury/ctfreader/internal/runtime/metadata"
	"github.com/drblury/ctfreader/internal/timeframe"
	"github.com/drblury/ctfreader/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	StatusReport        = runtimepkg.StatusReport

	Reader        = reader.Reader
	ReaderDeps    = reader.Deps
	ReaderStats   = reader.Stats
	ReaderStatus  = reader.Status
	ReaderState   = reader.State
	ReaderMetrics = reader.Metrics
	Host          = reader.Host
	HostFunc      = reader.HostFunc

	FileQueue       = filequeue.Queue
	FileQueueConfig = filequeue.Config
	FileQueueDeps   = filequeue.Deps
	Fetcher         = filequeue.Fetcher
	FetcherFunc     = filequeue.FetcherFunc

	RateLimiter       = ratelimit.Limiter
	InflightLimiter   = ratelimit.Inflight
	RunInfo           = runinfo.Info
	RunInfoStore      = runinfo.Store
	RunStartPatches   = runinfo.Patches
	Header            = timeframe.Header
	DetID             = timeframe.DetID
	DetectorMask      = timeframe.Mask
	IRFrame           = irframe.IRFrame
	InteractionRecord = irframe.InteractionRecord

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	FatalError            = errspkg.FatalError

	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	NewReader      = reader.New
	Defaults       = configpkg.Defaults
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewFileQueue        = filequeue.New
	FileQueueFromConfig = filequeue.FromConfig
	NewRateLimiter      = ratelimit.New
	NewInflightLimiter  = ratelimit.NewInflight
	OpenRunInfo         = runinfo.Open
	StartPatches        = runinfo.StartPatches
	ParseDetectorMask   = timeframe.ParseMask
	ReadIRFrames        = irframe.ReadFile
	ParseIDs            = reader.ParseIDs

	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	GetCapabilities          = transport.GetCapabilities

	Marshal   = codec.Marshal
	Unmarshal = codec.Unmarshal

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrPublisherRequired  = errspkg.ErrPublisherRequired
	ErrQueueRequired      = errspkg.ErrQueueRequired
	ErrSubscriberRequired = errspkg.ErrSubscriberRequired
	ErrContainerOpen      = errspkg.ErrContainerOpen
	ErrContainerIndex     = errspkg.ErrContainerIndex
	ErrContainerEmpty     = errspkg.ErrContainerEmpty
	ErrMixedUnits         = errspkg.ErrMixedUnits
	ErrInvertedRange      = errspkg.ErrInvertedRange
	ErrRunInfo            = errspkg.ErrRunInfo
	ErrMissingHeader      = errspkg.ErrMissingHeader
	ErrMissingDetector    = errspkg.ErrMissingDetector
	ErrFailureThreshold   = errspkg.ErrFailureThreshold
	IsFatal               = errspkg.IsFatal

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New
)

// Metadata keys set on every published message.
const (
	MetadataKeyRun         = metadatapkg.KeyRun
	MetadataKeyFirstOrbit  = metadatapkg.KeyFirstOrbit
	MetadataKeyTFCounter   = metadatapkg.KeyTFCounter
	MetadataKeyCreation    = metadatapkg.KeyCreation
	MetadataKeyEntry       = metadatapkg.KeyEntry
	MetadataKeySubspec     = metadatapkg.KeySubspec
	MetadataKeyDetector    = metadatapkg.KeyDetector
	MetadataKeyCodec       = metadatapkg.KeyCodec
	MetadataKeyContainer   = metadatapkg.KeyContainer
	MetadataKeyKind        = metadatapkg.KeyKind
	MetadataKeyAccepted    = metadatapkg.KeyAccepted
	MetadataKeyEndOfStream = metadatapkg.KeyEndOfStream
)

// Message kinds carried in MetadataKeyKind.
const (
	KindHeader      = reader.KindHeader
	KindDetector    = reader.KindDetector
	KindSelIRFrames = reader.KindSelIRFrames
	KindTFDist      = reader.KindTFDist
	KindEndOfStream = reader.KindEndOfStream
)

// DetectorTopic is the topic carrying payloads of det under prefix.
func DetectorTopic(prefix string, det DetID) string {
	return reader.DetectorTopic(prefix, det)
}
