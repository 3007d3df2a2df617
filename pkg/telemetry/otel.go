package telemetry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	olog "go.opentelemetry.io/otel/log"
	ologsdk "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/trace"

	fa "github.com/pancsta/automata-go/pkg/automata"
)

// ErrTracerEnded means OtelTracer.End has already been called.
var ErrTracerEnded = errors.New("otel tracer ended")

// OtelTracer implements automata.Tracer for OpenTelemetry. Every bound
// automaton gets a group span, with a child span per validation. Branch points
// (and optionally steps) become span events.
type OtelTracer struct {
	*fa.TracerNoOp

	Tracer trace.Tracer
	Logf   func(format string, args ...any)

	mx       sync.Mutex
	automata map[string]*otelAutomatonData
	order    []string
	runs     map[*fa.Run]trace.Span
	opts     *OtelTracerOpts
	ended    bool
}

var _ fa.Tracer = &OtelTracer{}

type otelAutomatonData struct {
	a fa.Automaton
	// group span ctx
	ctx  context.Context
	span trace.Span
}

type OtelTracerOpts struct {
	// TraceSteps adds an event for every consumed symbol.
	TraceSteps bool
	Logf       func(format string, args ...any)
}

// NewOtelTracer creates a new automata tracer from an OpenTelemetry tracer.
// Requires OtelTracer.End to be called at the end.
func NewOtelTracer(tracer trace.Tracer, opts *OtelTracerOpts) *OtelTracer {
	if tracer == nil {
		panic("nil tracer")
	}
	if opts == nil {
		opts = &OtelTracerOpts{}
	}
	ot := &OtelTracer{
		Tracer:   tracer,
		automata: make(map[string]*otelAutomatonData),
		runs:     make(map[*fa.Run]trace.Span),
		opts:     opts,
	}
	if opts.Logf != nil {
		ot.Logf = opts.Logf
	} else {
		ot.Logf = func(format string, args ...any) {}
	}
	ot.Logf("[otel] NewOtelTracer")

	return ot
}

// Bind starts a group span for the automaton and binds this tracer to it.
func (ot *OtelTracer) Bind(a fa.Automaton) error {
	ot.mx.Lock()
	defer ot.mx.Unlock()

	if ot.ended {
		return ErrTracerEnded
	}
	id := a.Id()
	if _, ok := ot.automata[id]; ok {
		return fmt.Errorf("automaton %s already bound", id)
	}

	ctx, span := ot.Tracer.Start(context.Background(), "fa:"+id,
		trace.WithAttributes(
			attribute.String("fa.id", id),
			attribute.String("fa.kind", a.Kind().String()),
			attribute.Int("states", len(a.States())),
			attribute.Int("finals", len(a.Finals())),
			attribute.Int("transitions", len(a.Edges())),
		))
	if err := a.BindTracer(ot); err != nil {
		span.End()
		return err
	}
	ot.automata[id] = &otelAutomatonData{a: a, ctx: ctx, span: span}
	ot.order = append(ot.order, id)
	ot.Logf("[otel] Bind: %s", id)

	return nil
}

// Unbind detaches the tracer from the automaton and ends its group span.
func (ot *OtelTracer) Unbind(id string) {
	ot.mx.Lock()
	defer ot.mx.Unlock()

	ot.doUnbind(id)
}

func (ot *OtelTracer) doUnbind(id string) {
	data, ok := ot.automata[id]
	if !ok {
		return
	}
	ot.Logf("[otel] Unbind: %s", id)
	_ = data.a.DetachTracer(ot)
	delete(ot.automata, id)
	ot.order = slices.DeleteFunc(ot.order, func(i string) bool {
		return i == id
	})

	// end dangling validations
	for run, span := range ot.runs {
		if run.AutomatonId == id {
			span.End()
			delete(ot.runs, run)
		}
	}
	data.span.End()
}

func (ot *OtelTracer) ValidateStart(run *fa.Run) {
	ot.mx.Lock()
	defer ot.mx.Unlock()

	data, ok := ot.automata[run.AutomatonId]
	if ot.ended || !ok {
		return
	}
	_, span := ot.Tracer.Start(data.ctx, "validate",
		trace.WithTimestamp(run.Started),
		trace.WithAttributes(
			attribute.String("run_id", run.Id),
			attribute.String("input", string(run.Input)),
			attribute.Int("input_len", len(run.Input)),
			attribute.Int("start", int(run.Start)),
		))
	ot.runs[run] = span
}

func (ot *OtelTracer) span(run *fa.Run) trace.Span {
	ot.mx.Lock()
	defer ot.mx.Unlock()

	return ot.runs[run]
}

func (ot *OtelTracer) Step(run *fa.Run, step fa.StepInfo) {
	if !ot.opts.TraceSteps {
		return
	}
	span := ot.span(run)
	if span == nil {
		return
	}
	span.AddEvent("step", trace.WithAttributes(
		attribute.Int("pos", step.Pos),
		attribute.String("symbol", string(step.Symbol)),
		attribute.Int("from", int(step.From)),
		attribute.Int("to", int(step.To)),
	))
}

func (ot *OtelTracer) Branch(
	run *fa.Run, from fa.State, symbol fa.Symbol, candidates []fa.State,
) {
	span := ot.span(run)
	if span == nil {
		return
	}
	to := make([]int64, len(candidates))
	for i, c := range candidates {
		to[i] = int64(c)
	}
	span.AddEvent("branch", trace.WithAttributes(
		attribute.Int("from", int(from)),
		attribute.String("symbol", string(symbol)),
		attribute.Int64Slice("candidates", to),
	))
}

func (ot *OtelTracer) ValidateEnd(run *fa.Run) {
	ot.mx.Lock()
	span, ok := ot.runs[run]
	delete(ot.runs, run)
	ot.mx.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.Bool("accepted", run.Accepted),
		attribute.Int("steps", run.Steps),
		attribute.Int("branches", run.Branches),
		attribute.Int("dead_ends", run.DeadEnds),
		attribute.Int("memo_hits", run.MemoHits),
	)
	span.End(trace.WithTimestamp(run.Ended))
}

// End unbinds all the automata, ending their spans in the reverse order.
func (ot *OtelTracer) End() {
	ot.mx.Lock()
	defer ot.mx.Unlock()

	ot.Logf("[otel] End")
	ot.ended = true
	order := slices.Clone(ot.order)
	slices.Reverse(order)
	for _, id := range order {
		ot.doUnbind(id)
	}
}

// ///// ///// /////

// ///// LOGGER

// ///// ///// /////

// NewOtelLoggerProvider creates a new OpenTelemetry logger provider bound to
// the given exporter.
func NewOtelLoggerProvider(exporter ologsdk.Exporter) *ologsdk.LoggerProvider {
	provider := ologsdk.NewLoggerProvider(
		ologsdk.WithProcessor(ologsdk.NewBatchProcessor(exporter)),
	)

	return provider
}

// BindOtelLogger binds an OpenTelemetry logger to an automaton. The log level
// of the automaton stays unchanged.
func BindOtelLogger(
	a fa.Automaton, provider *ologsdk.LoggerProvider, service string,
) {
	id := a.Id()
	l := provider.Logger(id)

	falog := func(level fa.LogLevel, msg string, args ...any) {
		r := olog.Record{}
		r.SetTimestamp(time.Now())
		switch level {

		case fa.LogChanges:
			r.SetSeverity(olog.SeverityInfo4)
		case fa.LogOps:
			r.SetSeverity(olog.SeverityInfo1)
		case fa.LogDecisions:
			r.SetSeverity(olog.SeverityTrace4)
		case fa.LogEverything:
			r.SetSeverity(olog.SeverityTrace1)
		default:
		}
		r.SetSeverityText(level.String())
		// drop the ID prefix, it's an attribute
		msg = strings.TrimPrefix(msg, fa.LogPrefix(id))
		r.SetBody(olog.StringValue(fmt.Sprintf(msg, args...)))

		if service != "" {
			r.AddAttributes(
				olog.String("service.name", service),
			)
		}
		r.AddAttributes(
			olog.String("fa.id", id),
		)

		l.Emit(context.Background(), r)
	}

	a.SetLogger(falog)
}
