package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fa "github.com/pancsta/automata-go/pkg/automata"
)

func newAbNFA(id string) *fa.NFA {
	return fa.NewNFA(fa.Spec[fa.Target]{
		{Symbols: "a", From: 0, To: fa.ToAny(1, 2)},
		{Symbols: "b", From: 1, To: fa.To(3)},
		{Symbols: "ab", From: 2, To: fa.To(1)},
	}, []fa.State{3}, &fa.Opts{Id: id})
}

func TestBindAutomaton(t *testing.T) {
	a := newAbNFA("ab-nfa")
	m, err := BindAutomaton(a, 0)
	require.NoError(t, err)

	// definition
	assert.Equal(t, 4.0, testutil.ToFloat64(m.StatesAmount))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FinalsAmount))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.TransitionsAmount))

	// validate
	assert.True(t, a.Validate("ab"))
	assert.True(t, a.Validate("aab"))
	assert.False(t, a.Validate("abba"))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ValidationsCount))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AcceptedCount))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RejectedCount))

	// averages of the last interval
	m.Refresh()
	assert.Equal(t, 4.0, testutil.ToFloat64(m.InputLen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Branches))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeadEnds))

	// close
	m.Close()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StatesAmount))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InputLen))
	a.Validate("ab")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ValidationsCount))
	assert.Empty(t, a.Tracers())
}

func TestAveragedInterval(t *testing.T) {
	a := newAbNFA("ab")
	m, err := BindAutomaton(a, time.Hour)
	require.NoError(t, err)

	a.Validate("ab")
	a.Validate("aab")
	// not refreshed yet
	assert.Equal(t, 0.0, testutil.ToFloat64(m.InputLen))

	m.lastUpdate = time.Time{}
	m.Refresh()
	assert.Equal(t, 2.5, testutil.ToFloat64(m.InputLen))
}

func TestCollectors(t *testing.T) {
	a := newAbNFA("my:nfa")
	m, err := BindAutomaton(a, time.Second)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	for _, c := range m.Collectors() {
		require.NoError(t, reg.Register(c))
	}
	a.Validate("ab")

	count, err := testutil.GatherAndCount(reg, "fa_my_nfa_validations_count")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, "my_nfa", NormalizeId("my:nfa"))
}
