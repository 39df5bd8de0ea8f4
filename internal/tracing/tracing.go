// Package tracing wires OpenTelemetry into report delivery. Without an
// exporter endpoint only the W3C propagator is installed, so trace context
// still flows from inbound relay requests to the destination.
package tracing

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every span started here.
const TracerName = "github.com/austindbirch/harbor_report"

// Attribute keys carried on report spans.
const (
	AttrBundleID  = attribute.Key("report.bundle_id")
	AttrOwner     = attribute.Key("report.owner")
	AttrLevel     = attribute.Key("report.level")
	AttrAttempt   = attribute.Key("report.attempt")
	AttrOutcome   = attribute.Key("report.outcome")
	AttrRequestID = attribute.Key("report.request_id")
	AttrItems     = attribute.Key("report.items")
	AttrSync      = attribute.Key("report.sync")
)

const shutdownTimeout = 5 * time.Second

// Settings control the exporter. An empty Endpoint disables export.
type Settings struct {
	Endpoint    string
	Insecure    bool
	Version     string
	InstanceID  string
	SampleRatio float64
}

// SettingsFromEnv reads the OTEL_* variables plus SERVICE_VERSION and the
// HOSTNAME/POD_NAME instance identity.
func SettingsFromEnv() Settings {
	s := Settings{
		Version:     firstEnv("dev", "SERVICE_VERSION"),
		InstanceID:  firstEnv("unknown", "HOSTNAME", "POD_NAME"),
		SampleRatio: 1,
	}

	// otlptracehttp.WithEndpoint wants host:port; the scheme picks TLS.
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		switch {
		case strings.HasPrefix(ep, "https://"):
			s.Endpoint = strings.TrimPrefix(ep, "https://")
		case strings.HasPrefix(ep, "http://"):
			s.Endpoint = strings.TrimPrefix(ep, "http://")
			s.Insecure = true
		default:
			s.Endpoint = ep
			s.Insecure = true
		}
		s.Endpoint = strings.TrimSuffix(s.Endpoint, "/")
	}

	if v, err := strconv.ParseFloat(os.Getenv("OTEL_TRACES_SAMPLER_ARG"), 64); err == nil && v >= 0 && v <= 1 {
		s.SampleRatio = v
	}
	return s
}

func firstEnv(def string, keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// InitTracing is Init with SettingsFromEnv.
func InitTracing(ctx context.Context, serviceName string) (func(), error) {
	return Init(ctx, serviceName, SettingsFromEnv())
}

// Init installs the global propagator and, when s names an endpoint, a
// batching OTLP/HTTP tracer provider. The returned func flushes pending
// spans and is safe to call when export is disabled.
func Init(ctx context.Context, serviceName string, s Settings) (func(), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if s.Endpoint == "" {
		return func() {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(s.Version),
			attribute.String("service.instance.id", s.InstanceID),
		),
		resource.WithFromEnv(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(s.Endpoint)}
	if s.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.SampleRatio))),
	)
	otel.SetTracerProvider(tp)

	return func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = tp.Shutdown(sctx)
	}, nil
}

// StartSpan starts a span on the package tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

// AddSpanEvent adds an event to the active span, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	oteltrace.SpanFromContext(ctx).AddEvent(name, oteltrace.WithAttributes(attrs...))
}

// SetSpanError marks the active span failed. A nil err is ignored.
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the hex trace id of the active span, or "".
func GetTraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// InjectHTTP writes the trace context of ctx into h.
func InjectHTTP(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}
