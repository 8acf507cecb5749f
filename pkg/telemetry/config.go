package telemetry

import (
	"fmt"
	"time"
)

// Config configures logging, tracing, metrics and events of a converge
// process.
type Config struct {
	// ServiceName identifies the process in traces and metrics.
	ServiceName string

	// ServiceVersion is the build version reported with traces.
	ServiceVersion string

	// Environment names the deployment (development, production) and is
	// reported as a trace resource attribute.
	Environment string

	// Logging configures the zerolog logger.
	Logging LoggingConfig

	// Tracing configures OpenTelemetry spans.
	Tracing TracingConfig

	// Metrics configures the Prometheus registry.
	Metrics MetricsConfig

	// Events configures the run event publisher.
	Events EventsConfig

	// ResourceAttributes are extra attributes attached to the trace resource.
	ResourceAttributes map[string]string
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is the lowest level written: trace, debug, info, warn, error or
	// fatal.
	Level string

	// Format is console for humans or json for log collectors.
	Format string

	// Output is stdout, stderr or the path of a file opened for appending.
	Output string

	// EnableCaller adds the file and line of the log call.
	EnableCaller bool

	// EnableSampling thins out repetitive messages.
	EnableSampling bool

	// SamplingInitial is how many messages per second pass unsampled.
	SamplingInitial int

	// SamplingThereafter keeps every Nth message once SamplingInitial is
	// exceeded.
	SamplingThereafter int

	// TimeFormat is rfc3339, unix, unixms or unixmicro.
	TimeFormat string
}

// TracingConfig configures OpenTelemetry spans for runs and provider calls.
type TracingConfig struct {
	// Enabled turns on span sampling and export.
	Enabled bool

	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC collector address, e.g. localhost:4317.
	Endpoint string

	// Headers are sent with every OTLP export request.
	Headers map[string]string

	// Insecure dials the collector without TLS.
	Insecure bool

	// SamplingRate is the fraction of runs traced, from 0 to 1.
	SamplingRate float64

	// MaxExportBatchSize caps the spans sent per export.
	MaxExportBatchSize int

	// ExportTimeout bounds a single export.
	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
type MetricsConfig struct {
	// Enabled registers the collectors; disabled metrics record nothing.
	Enabled bool

	// ListenAddress is where the metrics endpoint listens, e.g. :9090.
	ListenAddress string

	// Path is the HTTP path of the endpoint.
	Path string

	// Namespace prefixes every metric name.
	Namespace string

	// DefaultHistogramBuckets are latency buckets in seconds.
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the run event publisher.
type EventsConfig struct {
	// Enabled turns on event delivery to subscribers.
	Enabled bool

	// EnableAsync delivers events on a background goroutine instead of the
	// publishing one.
	EnableAsync bool

	// BufferSize is the capacity of the async queue. Publishing to a full
	// queue drops the event.
	BufferSize int
}

// DefaultConfig returns console logging at info level with tracing and
// metrics disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "converge",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			Headers:            make(map[string]string),
			Insecure:           true,
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
		},
		Metrics: MetricsConfig{
			ListenAddress:           ":9090",
			Path:                    "/metrics",
			Namespace:               "converge",
			DefaultHistogramBuckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		Events: EventsConfig{
			Enabled:     true,
			EnableAsync: true,
			BufferSize:  1000,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// ProductionConfig returns sampled JSON logging with metrics enabled.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Metrics.Enabled = true
	return cfg
}

// DevelopmentConfig returns debug console logging with caller information.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	return cfg
}

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal"}
	logFormats    = []string{"console", "json"}
	traceExporter = []string{"otlp", "stdout", "none"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case c.ServiceVersion == "":
		return fmt.Errorf("service version is required")
	case !oneOf(c.Logging.Level, logLevels):
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	case !oneOf(c.Logging.Format, logFormats):
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	case c.Tracing.Enabled && !oneOf(c.Tracing.Exporter, traceExporter):
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	case c.Metrics.Enabled && c.Metrics.ListenAddress == "":
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	case c.Events.Enabled && c.Events.BufferSize <= 0:
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}
