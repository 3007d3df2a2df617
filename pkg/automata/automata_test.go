package automata

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newCoolDFA accepts strings containing "cool".
func newCoolDFA(opts *Opts) *DFA {
	return NewDFA(Spec[State]{
		{AlphabetPrintable, 0, 0},
		{"c", 0, 1},
		{AlphabetPrintable, 1, 0},
		{"o", 1, 2},
		{AlphabetPrintable, 2, 0},
		{"o", 2, 3},
		{AlphabetPrintable, 3, 0},
		{"l", 3, 4},
		{AlphabetPrintable, 4, 4},
	}, []State{4}, opts)
}

// newAbNFA accepts "ab", "aab" and "abb".
func newAbNFA(opts *Opts) *NFA {
	return NewNFA(Spec[Target]{
		{"a", 0, ToAny(1, 2)},
		{"b", 1, To(3)},
		{"ab", 2, To(1)},
	}, []State{3}, opts)
}

// ///// ///// /////

// ///// TABLE

// ///// ///// /////

func TestExpand(t *testing.T) {
	table := Expand(Spec[State]{{"abc", 0, 1}})

	assert.Equal(t, Table[State]{
		{'a', 0}: 1,
		{'b', 0}: 1,
		{'c', 0}: 1,
	}, table)
}

func TestExpandLastWins(t *testing.T) {
	table := Expand(Spec[State]{
		{"abc", 0, 1},
		{"b", 0, 2},
	})
	assert.Len(t, table, 3)
	assert.Equal(t, State(2), table[Key{'b', 0}])
	assert.Equal(t, State(1), table[Key{'a', 0}])

	// reversed order, reversed winner
	table = Expand(Spec[State]{
		{"b", 0, 2},
		{"abc", 0, 1},
	})
	assert.Equal(t, State(1), table[Key{'b', 0}])
}

func TestExpandEmptyGroup(t *testing.T) {
	table := Expand(Spec[State]{{"", 0, 1}, {"x", 5, 6}})
	assert.Equal(t, Table[State]{{'x', 5}: 6}, table)
	assert.Empty(t, Expand(Spec[Target]{}))
}

func TestExpandUnicode(t *testing.T) {
	table := Expand(Spec[State]{{"żółw", 0, 1}})
	assert.Len(t, table, 4)
	assert.Contains(t, table, Key{'ż', 0})
}

func TestAlphabetPrintable(t *testing.T) {
	assert.Len(t, AlphabetPrintable, 100)
	a, ok := Alphabet("printable")
	assert.True(t, ok)
	assert.Equal(t, AlphabetPrintable, a)
	_, ok = Alphabet("klingon")
	assert.False(t, ok)
}

// ///// ///// /////

// ///// DFA

// ///// ///// /////

func TestDfaCool(t *testing.T) {
	dfa := newCoolDFA(nil)

	assert.True(t, dfa.Validate("cool"))
	assert.False(t, dfa.Validate("kool"))
	assert.True(t, dfa.Validate("coolio"))
	assert.True(t, dfa.Validate("so cool, man"))
	assert.False(t, dfa.Validate("COOL"))
	// non printable
	assert.False(t, dfa.Validate("cool\x00"))
}

func TestDfaEmptyInput(t *testing.T) {
	assert.False(t, newCoolDFA(nil).Validate(""))

	dfa := NewDFA(Spec[State]{{"a", 0, 1}}, []State{0}, nil)
	assert.True(t, dfa.Validate(""))
	assert.False(t, dfa.Validate("a"))
}

func TestDfaMissingTransition(t *testing.T) {
	// no ('b', 1) entry
	dfa := NewDFA(Spec[State]{
		{"a", 0, 1},
		{"c", 1, 2},
		{"b", 2, 2},
	}, []State{1, 2}, nil)

	assert.True(t, dfa.Validate("a"))
	assert.True(t, dfa.Validate("acbb"))
	assert.False(t, dfa.Validate("ab"))
	assert.False(t, dfa.Validate("abc"))
	assert.False(t, dfa.Validate("z"))
}

func TestDfaDeterministic(t *testing.T) {
	dfa := newCoolDFA(nil)

	// at most one target per pair
	seen := map[Key]bool{}
	for _, e := range dfa.Edges() {
		k := Key{e.Symbol, e.From}
		assert.False(t, seen[k])
		assert.Len(t, e.To, 1)
		seen[k] = true
	}
	assert.Len(t, seen, dfa.Len())

	for _, in := range []string{"cool", "kool", "", "ccool"} {
		assert.Equal(t, dfa.Validate(in), dfa.Validate(in), in)
	}
}

func TestDfaNext(t *testing.T) {
	dfa := newCoolDFA(nil)

	next, ok := dfa.Next(0, 'c')
	assert.True(t, ok)
	assert.Equal(t, State(1), next)
	_, ok = dfa.Next(0, '\x00')
	assert.False(t, ok)
}

func TestDfaStates(t *testing.T) {
	dfa := NewDFA(Spec[State]{{"a", 0, 1}}, []State{7}, nil)
	assert.Equal(t, []State{0, 1, 7}, dfa.States())
	assert.Equal(t, []State{7}, dfa.Finals())
	assert.Equal(t, KindDFA, dfa.Kind())
}

// ///// ///// /////

// ///// NFA

// ///// ///// /////

func TestNfaAb(t *testing.T) {
	nfa := newAbNFA(nil)

	assert.False(t, nfa.Validate(""))
	assert.True(t, nfa.Validate("ab"))
	assert.True(t, nfa.Validate("aab"))
	assert.True(t, nfa.Validate("abb"))
	assert.False(t, nfa.Validate("abba"))
	assert.False(t, nfa.Validate("a"))
	assert.False(t, nfa.Validate("ba"))
}

func TestNfaExistential(t *testing.T) {
	// from 1 "x" dies, from 2 "x" accepts
	nfa := NewNFA(Spec[Target]{
		{"c", 0, ToAny(1, 2)},
		{"x", 2, To(3)},
	}, []State{3}, nil)

	assert.False(t, nfa.ValidateFrom("x", 1))
	assert.True(t, nfa.ValidateFrom("x", 2))
	assert.True(t, nfa.Validate("cx"))

	// order of candidates doesn't matter
	nfa = NewNFA(Spec[Target]{
		{"c", 0, ToAny(2, 1)},
		{"x", 2, To(3)},
	}, []State{3}, nil)
	assert.True(t, nfa.Validate("cx"))
}

func TestNfaEmptyInput(t *testing.T) {
	nfa := newAbNFA(nil)

	assert.True(t, nfa.ValidateFrom("", 3))
	assert.False(t, nfa.ValidateFrom("", 1))
	assert.False(t, nfa.ValidateFrom("", 99))
}

func TestNfaEmptyMulti(t *testing.T) {
	nfa := NewNFA(Spec[Target]{{"a", 0, ToAny()}}, []State{0}, nil)

	assert.True(t, nfa.Validate(""))
	assert.False(t, nfa.Validate("a"))
}

func TestNfaSingleMulti(t *testing.T) {
	// one-element Multi is still a branch
	var branches int
	tr := &countingTracer{}
	nfa := NewNFA(Spec[Target]{{"a", 0, ToAny(1)}}, []State{1},
		&Opts{Tracers: []Tracer{tr}})

	assert.True(t, nfa.Validate("a"))
	tr.mx.Lock()
	branches = tr.branches
	tr.mx.Unlock()
	assert.Equal(t, 1, branches)
}

func TestNfaSingleStepsAfterBranch(t *testing.T) {
	// a single-state step followed by a branch deeper in the input
	nfa := NewNFA(Spec[Target]{
		{"x", 0, To(1)},
		{"y", 1, To(2)},
		{"z", 2, ToAny(3, 4)},
		{"w", 4, To(5)},
	}, []State{5}, nil)

	assert.True(t, nfa.Validate("xyzw"))
	assert.False(t, nfa.Validate("xyz"))
	assert.False(t, nfa.Validate("xyzz"))
}

func TestNfaMemoize(t *testing.T) {
	// every "a" branches into 1 and 2, both loop back, only "b" from 2 accepts
	spec := Spec[Target]{
		{"a", 0, ToAny(1, 2)},
		{"a", 1, ToAny(1, 2)},
		{"a", 2, ToAny(1, 2)},
		{"b", 2, To(3)},
	}
	plain := NewNFA(spec, []State{3}, nil)
	trMemo := &countingTracer{}
	memo := NewNFA(spec, []State{3}, &Opts{
		Memoize: true,
		Tracers: []Tracer{trMemo},
	})

	inputs := []string{"", "ab", "aaab", strings.Repeat("a", 16) + "b",
		strings.Repeat("a", 16) + "c", "b", "aba"}
	for _, in := range inputs {
		assert.Equal(t, plain.Validate(in), memo.Validate(in), in)
	}

	// memo prunes repeated branches
	trPlain := &countingTracer{}
	require.NoError(t, plain.BindTracer(trPlain))
	in := strings.Repeat("a", 12) + "c"
	plain.Validate(in)
	memo.Validate(in)
	assert.Greater(t, trPlain.lastRun.Steps, trMemo.lastRun.Steps)
	assert.Positive(t, trMemo.lastRun.MemoHits)
}

func TestNfaNilTarget(t *testing.T) {
	nfa := NewNFA(Spec[Target]{{"a", 0, nil}}, []State{0}, nil)
	assert.False(t, nfa.Validate("a"))
	_, ok := nfa.Next(0, 'a')
	assert.False(t, ok)
	assert.Empty(t, nfa.Edges())
}

func TestNfaEdges(t *testing.T) {
	nfa := newAbNFA(nil)

	assert.Equal(t, []Edge{
		{From: 0, Symbol: 'a', To: []State{1, 2}, Multi: true},
		{From: 1, Symbol: 'b', To: []State{3}},
		{From: 2, Symbol: 'a', To: []State{1}},
		{From: 2, Symbol: 'b', To: []State{1}},
	}, nfa.Edges())
	assert.Equal(t, []State{0, 1, 2, 3}, nfa.States())
}

func TestConcurrentValidate(t *testing.T) {
	dfa := newCoolDFA(nil)
	nfa := newAbNFA(&Opts{Tracers: []Tracer{&countingTracer{}}})

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, dfa.Validate(fmt.Sprintf("%d cool", i)))
			assert.True(t, nfa.Validate("aab"))
			assert.False(t, nfa.Validate("abba"))
		}()
	}
	wg.Wait()
}

// ///// ///// /////

// ///// TRACERS & LOGS

// ///// ///// /////

type countingTracer struct {
	*TracerNoOp

	mx       sync.Mutex
	starts   int
	ends     int
	steps    int
	branches int
	accepted int
	lastRun  Run
}

func (c *countingTracer) ValidateStart(run *Run) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.starts++
}

func (c *countingTracer) Step(run *Run, step StepInfo) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.steps++
}

func (c *countingTracer) Branch(
	run *Run, from State, symbol Symbol, candidates []State,
) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.branches++
}

func (c *countingTracer) ValidateEnd(run *Run) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.ends++
	if run.Accepted {
		c.accepted++
	}
	c.lastRun = *run
}

func TestTracer(t *testing.T) {
	tr := &countingTracer{}
	nfa := newAbNFA(&Opts{Id: "ab"})
	require.NoError(t, nfa.BindTracer(tr))

	assert.True(t, nfa.Validate("abb"))
	assert.Equal(t, 1, tr.starts)
	assert.Equal(t, 1, tr.ends)
	assert.Equal(t, 1, tr.accepted)
	assert.Equal(t, 1, tr.branches)
	assert.Equal(t, "ab", tr.lastRun.AutomatonId)
	assert.Equal(t, KindNFA, tr.lastRun.Kind)
	assert.NotEmpty(t, tr.lastRun.Id)
	assert.Equal(t, []Symbol("abb"), tr.lastRun.Input)
	// a->1 b->3 b(dead) then a->2 b->1 b->3
	assert.Equal(t, 5, tr.lastRun.Steps)
	assert.Equal(t, 1, tr.lastRun.DeadEnds)
	assert.GreaterOrEqual(t, tr.lastRun.Duration().Nanoseconds(), int64(0))

	// detach
	require.NoError(t, nfa.DetachTracer(tr))
	assert.ErrorIs(t, nfa.DetachTracer(tr), ErrTracerMissing)
	nfa.Validate("ab")
	assert.Equal(t, 1, tr.ends)
	assert.Empty(t, nfa.Tracers())
}

func TestTracerDfa(t *testing.T) {
	tr := &countingTracer{}
	dfa := newCoolDFA(&Opts{Tracers: []Tracer{tr}})

	assert.False(t, dfa.Validate("co\x00l"))
	assert.Equal(t, 2, tr.steps)
	assert.Equal(t, 1, tr.lastRun.DeadEnds)
	assert.False(t, tr.lastRun.Accepted)
	assert.Error(t, dfa.BindTracer(nil))
}

func TestLogger(t *testing.T) {
	var mx sync.Mutex
	var logs []string
	nfa := newAbNFA(&Opts{
		Id:       "ab",
		LogLevel: LogDecisions,
		Logger: func(level LogLevel, msg string, args ...any) {
			mx.Lock()
			defer mx.Unlock()
			logs = append(logs, fmt.Sprintf(msg, args...))
		},
	})

	nfa.Validate("ab")
	out := strings.Join(logs, "\n")
	assert.Contains(t, out, `[ab] [branch] 'a' 0 -> [1 2]`)
	assert.Contains(t, out, `[ab] [step] 'b' 1 -> 3`)
	assert.Contains(t, out, `[ab] [validate] "ab" accepted:true`)

	// lower the level
	logs = nil
	nfa.SetLogLevel(LogChanges)
	assert.Equal(t, LogChanges, nfa.LogLevel())
	nfa.Validate("abba")
	assert.Len(t, logs, 1)
	assert.Contains(t, logs[0], "accepted:false")
}

func TestLoggerPercentId(t *testing.T) {
	var logs []string
	dfa := newCoolDFA(&Opts{
		Id:       "100%sure",
		LogLevel: LogChanges,
		Logger: func(level LogLevel, msg string, args ...any) {
			logs = append(logs, fmt.Sprintf(msg, args...))
		},
	})

	dfa.Validate("cool")
	require.Len(t, logs, 1)
	assert.Equal(t, `[100%sure] [validate] "cool" accepted:true`, logs[0])
	assert.Equal(t, "[100%%sure] ", LogPrefix(dfa.Id()))
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "nothing", LogNothing.String())
	assert.Equal(t, "ops", LogOps.String())
	assert.Equal(t, "everything", LogEverything.String())
	assert.Equal(t, "nothing", LogLevel(42).String())
}

func TestLogLevelFromEnv(t *testing.T) {
	t.Setenv(EnvFaLog, "3")
	assert.Equal(t, LogDecisions, LogLevelFromEnv())
	t.Setenv(EnvFaLog, "99")
	assert.Equal(t, LogEverything, LogLevelFromEnv())
	t.Setenv(EnvFaLog, "x")
	assert.Equal(t, LogNothing, LogLevelFromEnv())
}
