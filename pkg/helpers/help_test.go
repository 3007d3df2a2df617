package helpers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fa "github.com/pancsta/automata-go/pkg/automata"
)

func newAb(id string) *fa.NFA {
	return fa.NewNFA(fa.Spec[fa.Target]{
		{Symbols: "a", From: 0, To: fa.ToAny(1, 2)},
		{Symbols: "b", From: 1, To: fa.To(3)},
		{Symbols: "ab", From: 2, To: fa.To(1)},
	}, []fa.State{3}, &fa.Opts{Id: id})
}

func TestValidateAll(t *testing.T) {
	nfa := newAb("ab")
	inputs := []string{"ab", "aab", "abb", "abba", "", "b"}

	res, err := ValidateAll(context.Background(), nfa, inputs, 2)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true, false, false, false}, res)

	// no limit, many inputs
	var many []string
	for i := range 1000 {
		if i%2 == 0 {
			many = append(many, "aab")
		} else {
			many = append(many, "aaa")
		}
	}
	res, err = ValidateAll(context.Background(), nfa, many, 0)
	require.NoError(t, err)
	for i, ok := range res {
		assert.Equal(t, i%2 == 0, ok, "input %d", i)
	}

	// canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ValidateAll(ctx, nfa, inputs, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEquivalent(t *testing.T) {
	// same language, ab|aab|abb, as a DFA
	dfa := fa.NewDFA(fa.Spec[fa.State]{
		{Symbols: "a", From: 0, To: 1},
		{Symbols: "a", From: 1, To: 2},
		{Symbols: "b", From: 1, To: 3},
		{Symbols: "b", From: 2, To: 4},
		{Symbols: "b", From: 3, To: 4},
	}, []fa.State{3, 4}, nil)
	inputs := []string{"", "a", "ab", "aab", "abb", "abba", "aabb", "b"}

	ok, diff, err := Equivalent(context.Background(), newAb("ab"), dfa, inputs)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, diff)

	// "bb" accepted only by the DFA
	dfa = fa.NewDFA(fa.Spec[fa.State]{{Symbols: "b", From: 0, To: 3}, {Symbols: "b", From: 3, To: 4}}, []fa.State{4},
		nil)
	ok, diff, err = Equivalent(context.Background(), newAb("ab"), dfa,
		[]string{"ab", "bb"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "ab", diff)
}

func TestStats(t *testing.T) {
	s := NewStats(newAb("ab"))
	assert.Equal(t, 4, s.States)
	assert.Equal(t, 1, s.Finals)
	assert.Equal(t, 4, s.Transitions)
	assert.Equal(t, 1, s.Multi)
	assert.Equal(t, "ab (nfa): 4 states, 1 finals, 4 transitions (1 multi)",
		s.String())

	results := make([]bool, 1500)
	for i := range 1000 {
		results[i] = true
	}
	s.Count(results)
	assert.InDelta(t, 0.666, s.AcceptRate(), 0.001)
	assert.Contains(t, s.String(), "validated 1,500, accepted 1,000 (66.7%)")
}

func TestWait(t *testing.T) {
	assert.True(t, Wait(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Wait(ctx, time.Minute))

	calls := 0
	err := Interval(context.Background(), time.Second, time.Millisecond,
		func() bool {
			calls++
			return calls < 3
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestEnableDebugging(t *testing.T) {
	t.Setenv(fa.EnvFaDebug, "")
	t.Setenv(fa.EnvFaLog, "")
	t.Setenv(fa.EnvFaTestRunner, "")

	EnableDebugging(true)
	assert.True(t, IsDebug())
	assert.Equal(t, fa.LogOps, fa.LogLevelFromEnv())

	SetLogLevel(fa.LogDecisions)
	assert.Equal(t, fa.LogDecisions, fa.LogLevelFromEnv())

	t.Setenv(fa.EnvFaTestRunner, "1")
	assert.True(t, IsTestRunner())
	assert.False(t, IsDebug(), fmt.Sprintf("debug off in %s", fa.EnvFaTestRunner))
}
