// Package testing provides testing helpers for automata using testify.
package testing

import (
	"context"
	stdtest "testing"
	"time"

	"github.com/stretchr/testify/assert"

	fa "github.com/pancsta/automata-go/pkg/automata"
	fahelp "github.com/pancsta/automata-go/pkg/helpers"
)

// AutomatonDebugEnv routes the logs of an automaton into t.Logf, based on
// FA_LOG. Does nothing in a test runner.
func AutomatonDebugEnv(t *stdtest.T, a fa.Automaton) {
	if fahelp.IsTestRunner() {
		return
	}
	lvl := fa.LogLevelFromEnv()
	if lvl == fa.LogNothing {
		return
	}
	a.SetLogLevel(lvl)
	a.SetLogger(func(_ fa.LogLevel, msg string, args ...any) {
		t.Logf(msg, args...)
	})
}

// Wait is a test version of [fahelp.Wait], which fails instead of returning
// false.
func Wait(
	t *stdtest.T, errMsg string, ctx context.Context, length time.Duration,
) {
	if !fahelp.Wait(ctx, length) {
		if t.Context().Err() == nil {
			t.Fatal("ctx expired: " + errMsg)
		}
	}
}

// AssertAccepts asserts that all the inputs are accepted.
func AssertAccepts(t *stdtest.T, a fa.Automaton, inputs ...string) {
	t.Helper()
	for _, input := range inputs {
		assert.True(t, a.Validate(input), "%s should accept %q", a.Id(), input)
	}
}

// AssertRejects asserts that all the inputs are rejected.
func AssertRejects(t *stdtest.T, a fa.Automaton, inputs ...string) {
	t.Helper()
	for _, input := range inputs {
		assert.False(t, a.Validate(input), "%s should reject %q", a.Id(), input)
	}
}

// AssertEquivalent asserts that both automata agree on all the inputs.
func AssertEquivalent(
	t *stdtest.T, a, b fa.Automaton, inputs ...string,
) {
	t.Helper()
	ok, diff, err := fahelp.Equivalent(t.Context(), a, b, inputs)
	if assert.NoError(t, err) {
		assert.True(t, ok, "%s and %s disagree on %q", a.Id(), b.Id(), diff)
	}
}
