// Package telemetry binds automata to OpenTelemetry traces and logs, and to
// Loki logs.
package telemetry

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/ic2hrmk/promtail"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	fa "github.com/pancsta/automata-go/pkg/automata"
)

const (
	EnvService   = "FA_SERVICE"
	EnvLokiAddr  = "FA_LOKI_ADDR"
	EnvOtelTrace = "FA_OTEL_TRACE"
	// EnvOtelTraceSteps adds an event per consumed symbol.
	EnvOtelTraceSteps = "FA_OTEL_TRACE_STEPS"
)

func BindLokiLogger(a fa.Automaton, client promtail.Client) {
	id := a.Id()
	labels := map[string]string{
		"automaton_id": id,
	}

	falog := func(level fa.LogLevel, msg string, args ...any) {
		msg = strings.TrimPrefix(msg, fa.LogPrefix(id))
		switch level {

		case fa.LogChanges:
			client.LogfWithLabels(promtail.Info, labels, msg, args...)
		case fa.LogOps:
			client.LogfWithLabels(promtail.Info, labels, msg, args...)
		case fa.LogDecisions:
			client.LogfWithLabels(promtail.Debug, labels, msg, args...)
		case fa.LogEverything:
			client.LogfWithLabels(promtail.Debug, labels, msg, args...)
		default:
		}
	}

	a.SetLogger(falog)
}

// everything else than a-z and _
var normalizeRegexp = regexp.MustCompile("[^a-z_0-9]+")

func NormalizeId(id string) string {
	return normalizeRegexp.ReplaceAllString(strings.ToLower(id), "_")
}

// BindLokiEnv binds a Loki logger to [a], based on environment vars:
// - FA_SERVICE (required)
// - FA_LOKI_ADDR (required)
// The client gets closed together with ctx.
func BindLokiEnv(ctx context.Context, a fa.Automaton) error {
	service := os.Getenv(EnvService)
	addr := os.Getenv(EnvLokiAddr)
	if service == "" || addr == "" {
		return nil
	}

	// init promtail and bind the logger
	identifiers := map[string]string{
		"service_name": NormalizeId(service),
	}
	pt, err := promtail.NewJSONv1Client(addr, identifiers)
	if err != nil {
		return err
	}
	context.AfterFunc(ctx, pt.Close)
	BindLokiLogger(a, pt)

	return nil
}

// NewOtelProvider creates a tracer provider exporting over OTLP gRPC. The
// endpoint comes from the standard OTEL_EXPORTER_OTLP_* env vars.
func NewOtelProvider(
	ctx context.Context, service string,
) (*sdktrace.TracerProvider, error) {
	var exp *otlptrace.Exporter
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", service),
	)

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	), nil
}

// NewOtelTracerEnv creates an OpenTelemetry tracer, based on environment
// vars:
// - FA_OTEL_TRACE (required)
// - FA_SERVICE (default: "fa")
// - FA_OTEL_TRACE_STEPS
// The returned shutdown func ends all the spans and flushes the exporter. Both
// are nil when tracing is disabled.
func NewOtelTracerEnv(
	ctx context.Context,
) (*OtelTracer, func(context.Context) error, error) {
	if os.Getenv(EnvOtelTrace) == "" {
		return nil, nil, nil
	}
	service := os.Getenv(EnvService)
	if service == "" {
		service = "fa"
	}

	provider, err := NewOtelProvider(ctx, service)
	if err != nil {
		return nil, nil, err
	}
	ot := NewOtelTracer(provider.Tracer("automata"), &OtelTracerOpts{
		TraceSteps: os.Getenv(EnvOtelTraceSteps) != "",
	})

	return ot, func(ctx context.Context) error {
		ot.End()
		return provider.Shutdown(ctx)
	}, nil
}

// BindOtelEnv binds an OpenTelemetry tracer from NewOtelTracerEnv to the passed
// automata. The shutdown func is nil when tracing is disabled.
func BindOtelEnv(
	ctx context.Context, automata ...fa.Automaton,
) (func(context.Context) error, error) {
	ot, shutdown, err := NewOtelTracerEnv(ctx)
	if err != nil || ot == nil {
		return nil, err
	}
	for _, a := range automata {
		if err := ot.Bind(a); err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
	}

	return shutdown, nil
}
