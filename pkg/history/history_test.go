package history_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fahist "github.com/pancsta/automata-go/pkg/history"
	testhist "github.com/pancsta/automata-go/pkg/history/test"
)

func TestTrack(t *testing.T) {
	ctx := context.Background()
	a := testhist.NewAutomaton("MyNfa1")
	mem, err := fahist.Track(ctx, a, fahist.BaseConfig{
		TrackRejected: true,
		MaxRecords:    30,
	})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, mem.Dispose())
	}()

	// common test
	testhist.AssertBasics(t, mem, 50)
	testhist.AssertGc(t, mem)
	assert.Equal(t, 30, mem.Len())
	assert.InDelta(t, 0.5, mem.AcceptRate(), 0.001)
}

func TestTrackAcceptedOnly(t *testing.T) {
	ctx := context.Background()
	a := testhist.NewAutomaton("")
	mem, err := fahist.Track(ctx, a, fahist.BaseConfig{})
	require.NoError(t, err)

	a.Validate("ab")
	a.Validate("abba")
	a.Validate("aab")

	latest, err := mem.Latest(ctx, 0)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "aab", latest[0].Input)
	assert.Equal(t, 1.0, mem.AcceptRate())
	assert.Equal(t, 1000, mem.Config().MaxRecords)
}

func TestTrackDispose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := testhist.NewAutomaton("")
	mem, err := fahist.Track(ctx, a, fahist.BaseConfig{})
	require.NoError(t, err)
	require.Len(t, a.Tracers(), 1)

	// dispose via ctx
	cancel()
	assert.Eventually(t, func() bool {
		return len(a.Tracers()) == 0
	}, time.Second, time.Millisecond)
	a.Validate("ab")
	assert.Zero(t, mem.Len())
	assert.NoError(t, mem.Dispose())
}

func TestQuery(t *testing.T) {
	rec := &fahist.RunRecord{Input: "abc", Steps: 3, Accepted: true,
		Time: time.Now()}

	assert.True(t, fahist.Query{}.Match(rec))
	assert.True(t, fahist.Query{Accepted: true, InputPrefix: "ab"}.Match(rec))
	assert.False(t, fahist.Query{Rejected: true}.Match(rec))
	assert.False(t, fahist.Query{MinSteps: 4}.Match(rec))
	assert.False(t, fahist.Query{Start: time.Now().Add(time.Hour)}.Match(rec))

	assert.ErrorIs(t, fahist.ValidateQuery(fahist.Query{MinSteps: -1}),
		fahist.ErrQuery)
	assert.ErrorIs(t, fahist.ValidateQuery(fahist.Query{
		Start: time.Now(), End: time.Now().Add(-time.Hour),
	}), fahist.ErrQuery)
}
