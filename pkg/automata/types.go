// Package automata implements deterministic (DFA) and nondeterministic (NFA)
// finite automata, which decide if an input is accepted.
//
// Transitions are declared as grouped rules (symbols, from, to), expanded once
// into an immutable flat table keyed by (symbol, state). The start state is
// always StateStart and a missing transition rejects the input. An NFA target
// is either Single or Multi, and the input is accepted when any branch ends in
// a final state.
//
// Automata can be observed with tracers and loggers, and serialized as
// definitions (JSON, YAML, brotli).
package automata

import (
	"errors"
	"slices"
	"time"
)

const (
	// EnvFaDebug enables a simple debugging mode (eg long timeouts).
	// "1" | "2" | "" (default)
	EnvFaDebug = "FA_DEBUG"
	// EnvFaTestRunner indicates a CI test runner.
	EnvFaTestRunner = "FA_TEST_RUNNER"
	// EnvFaLog sets the default log level of new automata.
	// "1" | "2" | "3" | "4" | "" (default)
	EnvFaLog = "FA_LOG"
)

// StateStart is the fixed start state of every automaton.
const StateStart State = 0

type (
	// State is a state identifier. States exist only as keys and values of the
	// transition table and the set of final states.
	State uint32
	// Symbol is a single element of the input alphabet.
	Symbol = rune
)

// ///// ///// /////

// ///// TRANSITIONS

// ///// ///// /////

// Rule is a single grouped transition: every symbol of Symbols moves From into
// To.
type Rule[T any] struct {
	Symbols string
	From    State
	To      T
}

// Spec is a grouped transition specification. Rules are expanded in order, so
// when 2 rules cover the same (symbol, state) pair, the later one wins.
type Spec[T any] []Rule[T]

// Key is a (symbol, state) pair of a flat transition table.
type Key struct {
	Symbol Symbol
	State  State
}

// Table is a flat transition table. A missing key means "no transition".
type Table[T any] map[Key]T

// Target is a transition target of a nondeterministic automaton. It's either
// Single or Multi.
type Target interface {
	// States returns the candidate next states, in order.
	States() []State
	isTarget()
}

// Single is a deterministic Target.
type Single State

func (s Single) States() []State {
	return []State{State(s)}
}

func (Single) isTarget() {}

// Multi is a nondeterministic Target, which branches into each of the states.
// An empty Multi has no branches and never accepts.
type Multi []State

func (m Multi) States() []State {
	return slices.Clone(m)
}

func (Multi) isTarget() {}

// To returns a Single target.
func To(state State) Target {
	return Single(state)
}

// ToAny returns a Multi target, branching into all the passed states.
func ToAny(states ...State) Target {
	return Multi(states)
}

// Edge is an expanded transition, used for exports and graphs.
type Edge struct {
	From   State
	Symbol Symbol
	To     []State
	// Multi is true for nondeterministic targets, even with a single state.
	Multi bool
}

// Automaton is implemented by DFA and NFA.
type Automaton interface {
	// Id returns the ID of this automaton.
	Id() string
	// Kind returns KindDFA or KindNFA.
	Kind() Kind
	// Validate returns true if the input is accepted, starting from StateStart.
	Validate(input string) bool
	// Finals returns the sorted set of final states.
	Finals() []State
	// IsFinal returns true if the state is a final one.
	IsFinal(state State) bool
	// States returns all the referenced states, including StateStart, sorted.
	States() []State
	// Edges returns all the transitions, sorted by state and symbol.
	Edges() []Edge
	// BindTracer binds a Tracer to this automaton.
	BindTracer(tracer Tracer) error
	// DetachTracer removes a previously bound Tracer.
	DetachTracer(tracer Tracer) error
	// SetLogger sets a custom logger, nil restores stdout.
	SetLogger(fn LoggerFn)
	// SetLogLevel sets the log level.
	SetLogLevel(level LogLevel)
	// LogLevel returns the current log level.
	LogLevel() LogLevel
	// Log logs an external message at LogChanges, eg from an integration.
	Log(msg string, args ...any)
}

// ///// ///// /////

// ///// RUNS

// ///// ///// /////

// Run describes a single validation call. It's owned by the calling goroutine
// and passed to tracers.
type Run struct {
	Id          string
	AutomatonId string
	Kind        Kind
	Input       []Symbol
	Start       State
	// Steps is the number of consumed symbols, summed over all branches.
	Steps int
	// Branches is the number of nondeterministic transitions taken.
	Branches int
	// DeadEnds is the number of missing transitions hit.
	DeadEnds int
	// MemoHits is the number of reused sub-results (NFA with Opts.Memoize).
	MemoHits int
	Accepted bool
	Started  time.Time
	Ended    time.Time
}

// Duration returns the wall time of a finished run.
func (r *Run) Duration() time.Duration {
	if r.Ended.IsZero() {
		return 0
	}
	return r.Ended.Sub(r.Started)
}

// StepInfo describes a single consumed symbol.
type StepInfo struct {
	// Pos is the index of Symbol in the input.
	Pos    int
	Symbol Symbol
	From   State
	To     State
}

// ///// ///// /////

// ///// ERRORS

// ///// ///// /////

var (
	// ErrKind means an unknown automaton kind.
	ErrKind = errors.New("unknown automaton kind")
	// ErrTarget means a transition target which doesn't fit the automaton kind.
	ErrTarget = errors.New("invalid transition target")
	// ErrDefinition means a malformed definition.
	ErrDefinition = errors.New("invalid definition")
	// ErrAlphabet means an unknown named alphabet.
	ErrAlphabet = errors.New("unknown alphabet")
	// ErrTracerMissing means the tracer isn't bound.
	ErrTracerMissing = errors.New("tracer not bound")
)
