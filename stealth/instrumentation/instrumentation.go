// Package instrumentation records engine calls as OpenTelemetry spans and metrics.
// Traces go to an OTLP collector and metrics to the Prometheus default registry. Until
// Init is called the global no-op providers are used, so instrumented code never needs
// to check.
package instrumentation

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

const (
	ServiceName    = "go-stealth"
	ServiceVersion = "1.0.0"
)

// instruments is swapped as a whole when Init installs real providers.
type instruments struct {
	tracer   trace.Tracer
	calls    metric.Int64Counter
	latency  metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
	sessions metric.Int64UpDownCounter
	cookies  metric.Int64Counter
	errors   metric.Int64Counter
}

var current atomic.Pointer[instruments]

func init() {
	current.Store(newInstruments(otel.GetTracerProvider(), otel.GetMeterProvider()))
}

func newInstruments(tp trace.TracerProvider, mp metric.MeterProvider) *instruments {
	meter := mp.Meter(ServiceName)
	in := &instruments{tracer: tp.Tracer(ServiceName)}
	// The API only fails on invalid names; the no-op instrument is returned alongside.
	var errs []error
	var err error
	in.calls, err = meter.Int64Counter("stealth.engine.calls",
		metric.WithDescription("Engine calls by profile, method and outcome"), metric.WithUnit("{call}"))
	errs = append(errs, err)
	in.latency, err = meter.Float64Histogram("stealth.engine.call.duration",
		metric.WithDescription("Engine call latency"), metric.WithUnit("ms"))
	errs = append(errs, err)
	in.inFlight, err = meter.Int64UpDownCounter("stealth.engine.calls.in_flight",
		metric.WithDescription("Engine calls currently running"), metric.WithUnit("{call}"))
	errs = append(errs, err)
	in.sessions, err = meter.Int64UpDownCounter("stealth.sessions.open",
		metric.WithDescription("Open sessions by profile"), metric.WithUnit("{session}"))
	errs = append(errs, err)
	in.cookies, err = meter.Int64Counter("stealth.jar.cookies_merged",
		metric.WithDescription("Server-set cookies merged into session jars"), metric.WithUnit("{cookie}"))
	errs = append(errs, err)
	in.errors, err = meter.Int64Counter("stealth.errors",
		metric.WithDescription("Failures by kind"), metric.WithUnit("{error}"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		klog.Warningf("instrumentation: failed to create metric instruments: %v", err)
	}
	return in
}

// Config holds instrumentation configuration.
type Config struct {
	// OTLPEndpoint is the OTLP/HTTP collector, e.g. "localhost:4318". Empty disables
	// tracing.
	OTLPEndpoint string
	// SampleRate is the fraction of engine calls traced, in [0, 1].
	SampleRate float64
	// MetricsEnabled installs the Prometheus metric exporter.
	MetricsEnabled bool
}

// ConfigFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_SAMPLE_RATE and
// STEALTH_METRICS_ENABLED.
func ConfigFromEnv() Config {
	sampleRate := 1.0
	if sr := os.Getenv("OTEL_SAMPLE_RATE"); sr != "" {
		if parsed, err := strconv.ParseFloat(sr, 64); err == nil && parsed >= 0 && parsed <= 1 {
			sampleRate = parsed
		} else {
			klog.Warningf("instrumentation: ignoring invalid OTEL_SAMPLE_RATE %q", sr)
		}
	}
	return Config{
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleRate:     sampleRate,
		MetricsEnabled: os.Getenv("STEALTH_METRICS_ENABLED") != "false",
	}
}

// Init installs the trace and metric providers described by cfg and returns a function
// that flushes and stops them.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	var meterProvider *sdkmetric.MeterProvider
	if cfg.MetricsEnabled {
		exporter, err := prometheus.New()
		if err != nil {
			_ = tracerProvider.Shutdown(ctx)
			return nil, err
		}
		meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter), sdkmetric.WithResource(res))
		otel.SetMeterProvider(meterProvider)
	}

	current.Store(newInstruments(otel.GetTracerProvider(), otel.GetMeterProvider()))
	klog.Infof("instrumentation: tracing=%v sample_rate=%.2f metrics=%v",
		cfg.OTLPEndpoint != "", cfg.SampleRate, cfg.MetricsEnabled)

	return func(ctx context.Context) error {
		errs := []error{tracerProvider.Shutdown(ctx)}
		if meterProvider != nil {
			errs = append(errs, meterProvider.Shutdown(ctx))
		}
		return errors.Join(errs...)
	}, nil
}

// Call traces one engine call from StartRequest to End.
type Call struct {
	in      *instruments
	ctx     context.Context
	span    trace.Span
	start   time.Time
	attrs   []attribute.KeyValue
	profile string
}

// StartRequest starts tracing an engine call for method and host under profile.
func StartRequest(ctx context.Context, method, host, profile string) *Call {
	in := current.Load()
	ctx, span := in.tracer.Start(ctx, "stealth.engine.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(method),
			semconv.ServerAddress(host),
			attribute.String("stealth.profile", profile),
		),
	)
	in.inFlight.Add(ctx, 1)
	return &Call{
		in:      in,
		ctx:     ctx,
		span:    span,
		start:   time.Now(),
		attrs:   []attribute.KeyValue{attribute.String("method", method), attribute.String("profile", profile)},
		profile: profile,
	}
}

// Context returns the context carrying the call span.
func (c *Call) Context() context.Context { return c.ctx }

// End completes the call. kind names the failure and is ignored when err is nil. HTTP
// error statuses are not failures of the call.
func (c *Call) End(statusCode int, kind string, err error) {
	elapsed := time.Since(c.start)
	outcome := "ok"
	c.span.SetAttributes(semconv.HTTPResponseStatusCode(statusCode))
	if err != nil {
		outcome = kind
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, kind)
	}
	c.span.End()

	attrs := metric.WithAttributes(append(c.attrs, attribute.String("outcome", outcome))...)
	c.in.calls.Add(c.ctx, 1, attrs)
	c.in.latency.Record(c.ctx, float64(elapsed.Microseconds())/1000, attrs)
	c.in.inFlight.Add(c.ctx, -1)
	if err != nil {
		c.in.errors.Add(c.ctx, 1, metric.WithAttributes(
			attribute.String("error_type", kind),
			attribute.String("profile", c.profile),
		))
	}
}

// RecordSessionOpened counts a newly opened session.
func RecordSessionOpened(ctx context.Context, profile string) {
	current.Load().sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("profile", profile)))
}

// RecordSessionClosed counts a released session.
func RecordSessionClosed(ctx context.Context, profile string) {
	current.Load().sessions.Add(ctx, -1, metric.WithAttributes(attribute.String("profile", profile)))
}

// RecordCookies counts cookies merged into a jar after a call and notes them on the
// call span.
func RecordCookies(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	current.Load().cookies.Add(ctx, int64(n))
	trace.SpanFromContext(ctx).AddEvent("cookies_merged", trace.WithAttributes(attribute.Int("count", n)))
}

// RecordError counts a failure outside an engine call, such as a session that could
// not be opened.
func RecordError(ctx context.Context, errorType string, err error) {
	current.Load().errors.Add(ctx, 1, metric.WithAttributes(attribute.String("error_type", errorType)))
	trace.SpanFromContext(ctx).RecordError(err, trace.WithAttributes(attribute.String("error_type", errorType)))
}
