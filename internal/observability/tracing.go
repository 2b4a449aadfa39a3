package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/stepflow/internal/config"
	"github.com/pitabwire/stepflow/model"
)

const tracerName = "github.com/pitabwire/stepflow"

// Span names.
const (
	SpanAction = "stepflow.action"
	SpanInvoke = "stepflow.invoke"
)

// Attribute keys of step spans.
var (
	AttrStepID       = attribute.Key("stepflow.step_id")
	AttrAction       = attribute.Key("stepflow.action")
	AttrRecordID     = attribute.Key("stepflow.record_id")
	AttrTargetStepID = attribute.Key("stepflow.target_step_id")
	AttrInvokeMode   = attribute.Key("stepflow.invoke_mode")
	AttrErrorCode    = attribute.Key("stepflow.error_code")
)

// InitTracing installs the global TracerProvider and W3C propagator. The
// returned function flushes pending spans. With tracing disabled nothing is
// installed and shutdown is a no-op.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler samples root spans at cfg.SamplingRate, clamped to (0, 1]
// with 0.1 for unset, and follows the parent otherwise.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	switch {
	case rate <= 0:
		rate = 0.1
	case rate > 1:
		rate = 1
	}

	root := sdktrace.TraceIDRatioBased(rate)
	if rate == 1 {
		root = sdktrace.AlwaysSample()
	}
	sampler := sdktrace.ParentBased(root)

	if cfg.ForceSampleErrors {
		return recordingSampler{delegate: sampler}
	}
	return sampler
}

// recordingSampler turns every drop decision into record-only, so failed
// actions of unsampled traces still reach span processors.
type recordingSampler struct {
	delegate sdktrace.Sampler
}

func (s recordingSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	result := s.delegate.ShouldSample(p)
	if result.Decision == sdktrace.Drop {
		result.Decision = sdktrace.RecordOnly
	}
	return result
}

func (s recordingSampler) Description() string {
	return "RecordingSampler{" + s.delegate.Description() + "}"
}

// Tracer returns the stepflow tracer of the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartActionSpan starts the span of one action applied by a step engine.
func StartActionSpan(ctx context.Context, stepID string, action model.Action) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanAction,
		trace.WithAttributes(
			AttrStepID.String(stepID),
			AttrAction.String(string(action)),
		),
	)
}

// StartInvokeSpan starts the client span of a call into another step.
func StartInvokeSpan(ctx context.Context, targetStepID string, action model.Action, mode string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanInvoke,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrTargetStepID.String(targetStepID),
			AttrAction.String(string(action)),
			AttrInvokeMode.String(mode),
		),
	)
}

// EndSpan ends span. A non-nil err marks the span failed and tags it with
// the error code of err.
func EndSpan(span trace.Span, recordID string, err error) {
	if recordID != "" {
		span.SetAttributes(AttrRecordID.String(recordID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(AttrErrorCode.String(model.AsEnvelope(err).Code))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceIDFromContext returns the trace id of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request, continuing an
// inbound traceparent. The span is named after the matched route once the
// router has run.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		sw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		req := r.WithContext(ctx)
		next.ServeHTTP(sw, req)

		route := routePattern(req)
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			semconv.HTTPRoute(route),
			semconv.HTTPResponseStatusCode(sw.status),
		)
		if sw.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// InjectTraceHeaders writes the trace context of ctx into outbound
// request headers.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}
