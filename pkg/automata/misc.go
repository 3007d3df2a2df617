package automata

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pancsta/automata-go/internal/utils"
)

// Opts are optional settings of a new automaton.
type Opts struct {
	// Unique ID of this automaton. Default: random ID.
	Id string
	// Log level of the automaton. Default: LogNothing, or EnvFaLog.
	LogLevel LogLevel
	// Custom logger. Default: stdout.
	Logger LoggerFn
	// Tracers to bind on init.
	Tracers []Tracer
	// Memoize caches (position, state) results during a single NFA validation.
	// It doesn't change results, only prunes repeated branches. Ignored by DFA.
	Memoize bool
}

// ///// ///// /////

// ///// LOGGING

// ///// ///// /////

// LoggerFn is a logging function for the automaton.
type LoggerFn func(level LogLevel, msg string, args ...any)

// LogLevel defines the level of details in the produced log (0-4).
type LogLevel int

const (
	// LogNothing means no logging.
	LogNothing LogLevel = iota
	// LogChanges means logging validation results.
	LogChanges
	// LogOps means LogChanges + logging every consumed symbol.
	LogOps
	// LogDecisions means LogOps + logging branch points and dead ends.
	LogDecisions
	// LogEverything means LogDecisions + memo hits.
	LogEverything
)

func (l LogLevel) String() string {
	switch l {
	case LogNothing:
		fallthrough
	default:
		return "nothing"
	case LogChanges:
		return "changes"
	case LogOps:
		return "ops"
	case LogDecisions:
		return "decisions"
	case LogEverything:
		return "everything"
	}
}

// LogLevelFromEnv returns a log level from EnvFaLog.
func LogLevelFromEnv() LogLevel {
	v, err := strconv.Atoi(os.Getenv(EnvFaLog))
	if err != nil || v < 0 {
		return LogNothing
	}

	return min(LogLevel(v), LogEverything)
}

// ///// ///// /////

// ///// TRACING

// ///// ///// /////

// Tracer observes validations of an automaton. Methods are called
// synchronously from the validating goroutine, so implementations have to be
// safe for concurrent use.
type Tracer interface {
	// ValidateStart is called before consuming the first symbol.
	ValidateStart(run *Run)
	// Step is called for every consumed symbol, in every branch.
	Step(run *Run, step StepInfo)
	// Branch is called when a (symbol, state) pair fans out into candidates.
	Branch(run *Run, from State, symbol Symbol, candidates []State)
	// ValidateEnd is called with Run.Accepted and Run.Ended set.
	ValidateEnd(run *Run)
}

// TracerNoOp is a no-op implementation of Tracer, used for embedding.
type TracerNoOp struct{}

func (t *TracerNoOp) ValidateStart(run *Run)        {}
func (t *TracerNoOp) Step(run *Run, step StepInfo) {}
func (t *TracerNoOp) Branch(
	run *Run, from State, symbol Symbol, candidates []State,
) {
}
func (t *TracerNoOp) ValidateEnd(run *Run) {}

var _ Tracer = &TracerNoOp{}

// ///// ///// /////

// ///// BASE

// ///// ///// /////

// base is the shared part of DFA and NFA: identity, finals, logging and
// tracers. Transition tables live in the concrete types.
type base struct {
	id       string
	kind     Kind
	finals   map[State]struct{}
	finalsL  []State
	logLevel atomic.Int32
	logger   atomic.Pointer[LoggerFn]

	tracersMx sync.RWMutex
	tracers   []Tracer
}

func (b *base) init(kind Kind, finals []State, opts *Opts) {
	if opts == nil {
		opts = &Opts{}
	}
	b.id = opts.Id
	b.kind = kind
	b.finals = make(map[State]struct{}, len(finals))
	if b.id == "" {
		b.id = utils.RandId(0)
	}
	for _, s := range finals {
		b.finals[s] = struct{}{}
	}
	b.finalsL = slices.Sorted(maps.Keys(b.finals))

	lvl := opts.LogLevel
	if lvl == LogNothing {
		lvl = LogLevelFromEnv()
	}
	b.logLevel.Store(int32(lvl))
	if opts.Logger != nil {
		fn := opts.Logger
		b.logger.Store(&fn)
	}
	b.tracers = slices.Clone(opts.Tracers)
}

// Id returns the ID of this automaton.
func (b *base) Id() string {
	return b.id
}

// Kind returns the kind of this automaton.
func (b *base) Kind() Kind {
	return b.kind
}

// Finals returns a sorted copy of the final states.
func (b *base) Finals() []State {
	return slices.Clone(b.finalsL)
}

// IsFinal returns true if the state is a final one.
func (b *base) IsFinal(state State) bool {
	_, ok := b.finals[state]
	return ok
}

// SetLogLevel sets the log level of the automaton.
func (b *base) SetLogLevel(level LogLevel) {
	b.logLevel.Store(int32(level))
}

// LogLevel returns the current log level.
func (b *base) LogLevel() LogLevel {
	return LogLevel(b.logLevel.Load())
}

// SetLogger sets a custom logger function. Nil restores stdout.
func (b *base) SetLogger(fn LoggerFn) {
	if fn == nil {
		b.logger.Store(nil)
		return
	}
	b.logger.Store(&fn)
}

// BindTracer binds a Tracer to this automaton.
func (b *base) BindTracer(tracer Tracer) error {
	if tracer == nil {
		return fmt.Errorf("%w: nil tracer", ErrTracerMissing)
	}
	b.tracersMx.Lock()
	defer b.tracersMx.Unlock()

	// copy on write, running validations keep their snapshot
	b.tracers = append(slices.Clip(b.tracers), tracer)

	return nil
}

// DetachTracer removes a previously bound Tracer.
func (b *base) DetachTracer(tracer Tracer) error {
	b.tracersMx.Lock()
	defer b.tracersMx.Unlock()

	idx := slices.Index(b.tracers, tracer)
	if idx == -1 {
		return ErrTracerMissing
	}
	b.tracers = slices.Delete(slices.Clone(b.tracers), idx, idx+1)

	return nil
}

// Tracers returns a copy of the bound tracers.
func (b *base) Tracers() []Tracer {
	b.tracersMx.RLock()
	defer b.tracersMx.RUnlock()

	return slices.Clone(b.tracers)
}

// Log logs an external message at LogChanges.
func (b *base) Log(msg string, args ...any) {
	b.log(LogChanges, "[extern] "+msg, args...)
}

// LogPrefix returns the prefix of log messages of automaton [id], escaped for
// format strings.
func LogPrefix(id string) string {
	return "[" + strings.ReplaceAll(id, "%", "%%") + "] "
}

func (b *base) log(level LogLevel, msg string, args ...any) {
	if level > b.LogLevel() {
		return
	}
	msg = LogPrefix(b.id) + msg
	if fn := b.logger.Load(); fn != nil {
		(*fn)(level, msg, args...)
		return
	}
	fmt.Printf(msg+"\n", args...)
}

// ///// ///// /////

// ///// RUN LIFECYCLE

// ///// ///// /////

// session is the per-call view of the tracers.
type session struct {
	run     *Run
	tracers []Tracer
}

func (b *base) startRun(input []Symbol, start State) *session {
	b.tracersMx.RLock()
	tracers := b.tracers
	b.tracersMx.RUnlock()

	s := &session{
		run: &Run{
			AutomatonId: b.id,
			Kind:        b.kind,
			Input:       input,
			Start:       start,
			Started:     time.Now(),
		},
		tracers: tracers,
	}
	if len(tracers) > 0 {
		s.run.Id = utils.RandId(0)
	}
	for _, t := range tracers {
		t.ValidateStart(s.run)
	}

	return s
}

func (b *base) step(s *session, pos int, sym Symbol, from, to State) {
	s.run.Steps++
	b.log(LogOps, "[step] %q %d -> %d", sym, from, to)
	if len(s.tracers) == 0 {
		return
	}
	info := StepInfo{Pos: pos, Symbol: sym, From: from, To: to}
	for _, t := range s.tracers {
		t.Step(s.run, info)
	}
}

func (b *base) branch(s *session, from State, sym Symbol, candidates []State) {
	s.run.Branches++
	b.log(LogDecisions, "[branch] %q %d -> %v", sym, from, candidates)
	if len(s.tracers) == 0 {
		return
	}
	candidates = slices.Clone(candidates)
	for _, t := range s.tracers {
		t.Branch(s.run, from, sym, candidates)
	}
}

func (b *base) deadEnd(s *session, sym Symbol, from State) {
	s.run.DeadEnds++
	b.log(LogDecisions, "[dead] %q from %d", sym, from)
}

func (b *base) endRun(s *session, accepted bool) bool {
	s.run.Accepted = accepted
	s.run.Ended = time.Now()
	b.log(LogChanges, "[validate] %q accepted:%t", string(s.run.Input),
		accepted)
	for _, t := range s.tracers {
		t.ValidateEnd(s.run)
	}

	return accepted
}
