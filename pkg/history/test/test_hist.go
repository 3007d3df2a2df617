// Package test provides shared assertions for history backends.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	fa "github.com/pancsta/automata-go/pkg/automata"
	fahist "github.com/pancsta/automata-go/pkg/history"
)

// NewAutomaton returns an NFA accepting "ab", "aab" and "abb".
func NewAutomaton(id string) *fa.NFA {
	return fa.NewNFA(fa.Spec[fa.Target]{
		{Symbols: "a", From: 0, To: fa.ToAny(1, 2)},
		{Symbols: "b", From: 1, To: fa.To(3)},
		{Symbols: "ab", From: 2, To: fa.To(1)},
	}, []fa.State{3}, &fa.Opts{Id: id})
}

// Input returns the input of the i-th round, accepted for even rounds.
func Input(i int) string {
	if i%2 == 0 {
		return "ab"
	}
	return "abba"
}

// AssertBasics validates rounds inputs and checks the recorded history.
// Requires TrackRejected and MaxRecords >= 25.
func AssertBasics(t *testing.T, mem fahist.MemoryApi, rounds int) {
	ctx := context.Background()
	a := mem.Automaton()
	start := time.Now()

	// validate
	require.True(t, mem.Config().TrackRejected, "rejected runs are tracked")
	require.GreaterOrEqual(t, rounds, 25)

	t.Logf("rounds: %d", rounds)

	// validate
	for i := range rounds {
		a.Validate(Input(i))
	}

	t.Logf("automaton: %s", time.Since(start))

	require.NoError(t, mem.Sync())

	t.Logf("db: %s", time.Since(start))

	// automaton record
	rec := mem.AutomatonRecord()
	require.NotNil(t, rec, "automaton record is not nil")
	require.Equal(t, a.Id(), rec.AutomatonId)
	require.Equal(t, uint64(rounds), rec.Validations)
	require.Equal(t, uint64((rounds+1)/2), rec.Accepted)

	// many rows, no condition
	latest, err := mem.Latest(ctx, 25)
	require.NoError(t, err)
	require.Len(t, latest, 25, "25 rows returned")
	require.Equal(t, Input(rounds-1), latest[0].Input, "newest first")
	require.Equal(t, Input(rounds-2), latest[1].Input, "newest first")
	require.Equal(t, a.Id(), latest[0].AutomatonId)
	require.Equal(t, a.Kind().String(), latest[0].Kind)
	require.False(t, latest[0].Time.IsZero())

	// conditions
	accepted, err := mem.FindLatest(ctx, 10, fahist.Query{Accepted: true})
	require.NoError(t, err)
	require.Len(t, accepted, 10)
	for _, r := range accepted {
		require.True(t, r.Accepted)
		require.Equal(t, "ab", r.Input)
	}
	rejected, err := mem.FindLatest(ctx, 5, fahist.Query{
		Rejected: true, InputPrefix: "abb", MinSteps: 1,
	})
	require.NoError(t, err)
	require.Len(t, rejected, 5)
	require.False(t, rejected[0].Accepted)
	require.Positive(t, rejected[0].Branches)

	_, err = mem.FindLatest(ctx, 5, fahist.Query{Accepted: true, Rejected: true})
	require.ErrorIs(t, err, fahist.ErrQuery)

	t.Logf("query: %s", time.Since(start))
}

// AssertGc checks the amount of kept records after the GC.
func AssertGc(t *testing.T, mem fahist.MemoryApi) {
	ctx := context.Background()

	all, err := mem.Latest(ctx, mem.Config().MaxRecords*2)
	require.NoError(t, err)
	require.LessOrEqual(t, len(all), mem.Config().MaxRecords,
		"max records respected")
	require.NotEmpty(t, all)
}
