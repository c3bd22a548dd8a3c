package runfold

import (
	"github.com/runfold/runfold/model"
	"github.com/runfold/runfold/model/types"
	"github.com/runfold/runfold/service/dao"
	"github.com/runfold/runfold/service/orchestrator"
	"github.com/runfold/runfold/service/store"
	"github.com/runfold/runfold/tracing"
	"github.com/viant/x"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Option customises the engine service.
type Option func(s *Service)

// WithConfig replaces the default configuration.
func WithConfig(config *Config) Option {
	return func(s *Service) {
		if config != nil {
			s.config = config
		}
	}
}

// WithStore sets the shared store backend.
func WithStore(st store.Store) Option {
	return func(s *Service) { s.store = st }
}

// WithRunDAO sets the run DAO
func WithRunDAO(d dao.Service[string, model.Run]) Option {
	return func(s *Service) { s.runs = d }
}

// WithThreadDAO sets the thread DAO
func WithThreadDAO(d dao.Service[string, model.Thread]) Option {
	return func(s *Service) { s.threads = d }
}

// WithProducerFactory sets the factory opening the per-run output producer.
func WithProducerFactory(factory orchestrator.ProducerFactory) Option {
	return func(s *Service) { s.producer = factory }
}

// WithArchiveBaseURL enables event-log archiving under the given base URL
// (any afs scheme).
func WithArchiveBaseURL(baseURL string) Option {
	return func(s *Service) { s.archiveBaseURL = baseURL }
}

// WithExtensionTypes sets the extension types
func WithExtensionTypes(types ...*x.Type) Option {
	return func(s *Service) {
		s.extensionTypes = types
	}
}

// WithExtensionServices sets the extension services
func WithExtensionServices(services ...types.Service) Option {
	return func(s *Service) {
		s.extensionServices = services
	}
}

// WithTracing configures OpenTelemetry tracing for the service. If outputFile
// is empty the stdout exporter is used; otherwise traces are written to the
// supplied file path. Safe to call multiple times, the first successful
// initialisation wins.
func WithTracing(serviceName, serviceVersion, outputFile string) Option {
	return func(s *Service) {
		_ = tracing.Init(serviceName, serviceVersion, outputFile)
	}
}

// WithTracingExporter configures OpenTelemetry tracing using a custom
// SpanExporter (OTLP, Jaeger, Zipkin, ...). Safe to call multiple times, the
// first successful initialisation wins.
func WithTracingExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) Option {
	return func(s *Service) {
		_ = tracing.InitWithExporter(serviceName, serviceVersion, exporter)
	}
}
