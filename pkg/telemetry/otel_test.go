package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	fa "github.com/pancsta/automata-go/pkg/automata"
)

func newAbNFA(id string) *fa.NFA {
	return fa.NewNFA(fa.Spec[fa.Target]{
		{Symbols: "a", From: 0, To: fa.ToAny(1, 2)},
		{Symbols: "b", From: 1, To: fa.To(3)},
		{Symbols: "ab", From: 2, To: fa.To(1)},
	}, []fa.State{3}, &fa.Opts{Id: id})
}

func attr(kvs []attribute.KeyValue, key string) attribute.Value {
	for _, kv := range kvs {
		if string(kv.Key) == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestLog(t *testing.T) {
	var buf strings.Builder
	logExporter, err := stdoutlog.New(stdoutlog.WithWriter(&buf))
	require.NoError(t, err)
	logProvider := NewOtelLoggerProvider(logExporter)
	nfa := newAbNFA("t-TestLog")
	nfa.SetLogLevel(fa.LogDecisions)
	BindOtelLogger(nfa, logProvider, "")

	assert.True(t, nfa.Validate("ab"))
	assert.False(t, nfa.Validate("ba"))

	require.NoError(t, logProvider.ForceFlush(context.Background()))
	out := buf.String()

	assert.Contains(t, out, `"Value":"t-TestLog"`)
	assert.Contains(t, out, "[branch]")
	assert.Contains(t, out, "[dead]")
	assert.Contains(t, out, "accepted:true")
	assert.Contains(t, out, "accepted:false")
}

func TestLogPercentId(t *testing.T) {
	var buf strings.Builder
	logExporter, err := stdoutlog.New(stdoutlog.WithWriter(&buf))
	require.NoError(t, err)
	logProvider := NewOtelLoggerProvider(logExporter)
	nfa := newAbNFA("50%off")
	nfa.SetLogLevel(fa.LogChanges)
	BindOtelLogger(nfa, logProvider, "")

	assert.True(t, nfa.Validate("ab"))
	require.NoError(t, logProvider.ForceFlush(context.Background()))
	out := buf.String()

	// the ID is an attribute, not a part of the body
	assert.Contains(t, out, `"Value":"50%off"`)
	assert.Contains(t, out, "[validate]")
	assert.NotContains(t, out, "[50%")
	assert.NotContains(t, out, "%!")
}

func TestOtelTracer(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	ot := NewOtelTracer(tp.Tracer("test"), nil)
	nfa := newAbNFA("ab")
	require.NoError(t, ot.Bind(nfa))
	require.Error(t, ot.Bind(nfa), "double bind")

	assert.True(t, nfa.Validate("ab"))
	assert.False(t, nfa.Validate("b"))
	ot.End()

	// no tracing after End
	assert.True(t, nfa.Validate("ab"))
	assert.Empty(t, nfa.Tracers())
	assert.ErrorIs(t, ot.Bind(newAbNFA("other")), ErrTracerEnded)

	spans := sr.Ended()
	require.Len(t, spans, 3)

	accepted := spans[0]
	assert.Equal(t, "validate", accepted.Name())
	assert.True(t, attr(accepted.Attributes(), "accepted").AsBool())
	assert.Equal(t, int64(2), attr(accepted.Attributes(), "input_len").AsInt64())
	assert.Equal(t, int64(1), attr(accepted.Attributes(), "branches").AsInt64())
	require.Len(t, accepted.Events(), 1)
	assert.Equal(t, "branch", accepted.Events()[0].Name)

	rejected := spans[1]
	assert.False(t, attr(rejected.Attributes(), "accepted").AsBool())
	assert.Equal(t, int64(1), attr(rejected.Attributes(), "dead_ends").AsInt64())
	assert.Empty(t, rejected.Events())

	group := spans[2]
	assert.Equal(t, "fa:ab", group.Name())
	assert.Equal(t, "nfa", attr(group.Attributes(), "fa.kind").AsString())
	assert.Equal(t, int64(4), attr(group.Attributes(), "states").AsInt64())

	// validations are children of the group
	assert.Equal(t, group.SpanContext().SpanID(), accepted.Parent().SpanID())
}

func TestOtelTracerSteps(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	ot := NewOtelTracer(tp.Tracer("test"), &OtelTracerOpts{TraceSteps: true})
	dfa := fa.NewDFA(fa.Spec[fa.State]{
		{Symbols: "c", From: 0, To: 1},
		{Symbols: "o", From: 1, To: 2},
	}, []fa.State{2}, &fa.Opts{Id: "co"})
	require.NoError(t, ot.Bind(dfa))

	assert.True(t, dfa.Validate("co"))
	ot.Unbind("co")
	ot.End()

	spans := sr.Ended()
	require.Len(t, spans, 2)
	require.Len(t, spans[0].Events(), 2)
	assert.Equal(t, "step", spans[0].Events()[1].Name)
	assert.Equal(t, "o",
		attr(spans[0].Events()[1].Attributes, "symbol").AsString())
}

func TestBindEnv(t *testing.T) {
	t.Setenv(EnvOtelTrace, "")
	t.Setenv(EnvLokiAddr, "")
	nfa := newAbNFA("env")

	shutdown, err := BindOtelEnv(context.Background(), nfa)
	require.NoError(t, err)
	assert.Nil(t, shutdown)
	require.NoError(t, BindLokiEnv(context.Background(), nfa))
	assert.Empty(t, nfa.Tracers())
}

func TestNormalizeId(t *testing.T) {
	assert.Equal(t, "my_nfa_2", NormalizeId("My-NFA 2"))
}
