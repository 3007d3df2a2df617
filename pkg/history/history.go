// Package history provides a basic run history tracker for automata, along
// with some utilities to query the log.
package history

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	fa "github.com/pancsta/automata-go/pkg/automata"
)

var ErrQuery = errors.New("invalid query")

// RunRecord is a single finished validation.
type RunRecord struct {
	// Id is the run ID.
	Id          string
	AutomatonId string
	Kind        string
	Input       string
	Start       fa.State
	Accepted    bool
	Steps       int
	Branches    int
	DeadEnds    int
	MemoHits    int
	Duration    time.Duration
	// Time is the start of the validation, in UTC.
	Time time.Time
}

// NewRunRecord creates a record from a finished run.
func NewRunRecord(run *fa.Run) *RunRecord {
	return &RunRecord{
		Id:          run.Id,
		AutomatonId: run.AutomatonId,
		Kind:        run.Kind.String(),
		Input:       string(run.Input),
		Start:       run.Start,
		Accepted:    run.Accepted,
		Steps:       run.Steps,
		Branches:    run.Branches,
		DeadEnds:    run.DeadEnds,
		MemoHits:    run.MemoHits,
		Duration:    run.Duration(),
		Time:        run.Started.UTC(),
	}
}

// AutomatonRecord is a summary of a tracked automaton.
type AutomatonRecord struct {
	AutomatonId string
	Kind        string
	// first time the automaton has been tracked
	FirstTracking time.Time
	// last time a tracking of this automaton has started
	LastTracking time.Time
	// last time a sync has been performed
	LastSync time.Time
	// total number of recorded validations
	Validations uint64
	// accepted validations out of Validations
	Accepted uint64
	// next ID for run records
	NextId uint64
}

// AcceptRate returns the ratio of accepted validations (0-1).
func (r *AutomatonRecord) AcceptRate() float64 {
	if r.Validations == 0 {
		return 0
	}

	return float64(r.Accepted) / float64(r.Validations)
}

// Count updates the counters with a finished run.
func (r *AutomatonRecord) Count(rec *RunRecord) {
	r.Validations++
	if rec.Accepted {
		r.Accepted++
	}
	r.NextId++
}

type BaseConfig struct {
	// MaxRecords is the amount of records to keep (default: 1000).
	MaxRecords int
	// TrackRejected also records rejected inputs.
	TrackRejected bool
	// Log prints the internal operations to stdout.
	Log bool
}

// Query filters run records. Zero fields match everything.
type Query struct {
	// only accepted runs
	Accepted bool
	// only rejected runs
	Rejected bool
	// runs which started within [Start, End]
	Start time.Time
	End   time.Time
	// runs with at least MinSteps steps
	MinSteps int
	// runs with an input starting with InputPrefix
	InputPrefix string
}

// Match returns true if the record matches this query.
func (q Query) Match(r *RunRecord) bool {
	switch {
	case q.Accepted && !r.Accepted:
		return false
	case q.Rejected && r.Accepted:
		return false
	case !q.Start.IsZero() && r.Time.Before(q.Start):
		return false
	case !q.End.IsZero() && r.Time.After(q.End):
		return false
	case r.Steps < q.MinSteps:
		return false
	case !strings.HasPrefix(r.Input, q.InputPrefix):
		return false
	}

	return true
}

// ValidateQuery returns ErrQuery for contradicting conditions.
func ValidateQuery(q Query) error {
	if q.Accepted && q.Rejected {
		return fmt.Errorf("%w: Accepted and Rejected are exclusive", ErrQuery)
	}
	if !q.Start.IsZero() && !q.End.IsZero() && q.End.Before(q.Start) {
		return fmt.Errorf("%w: End before Start", ErrQuery)
	}
	if q.MinSteps < 0 {
		return fmt.Errorf("%w: negative MinSteps", ErrQuery)
	}

	return nil
}

// MemoryApi is implemented by all the history backends.
type MemoryApi interface {
	// Automaton returns the tracked automaton.
	Automaton() fa.Automaton
	// AutomatonRecord returns a copy of the automaton summary.
	AutomatonRecord() *AutomatonRecord
	// Config returns the base config of this memory.
	Config() BaseConfig
	// Latest returns up to limit newest records.
	Latest(ctx context.Context, limit int) ([]*RunRecord, error)
	// FindLatest returns up to limit newest records matching the query.
	FindLatest(ctx context.Context, limit int, query Query) ([]*RunRecord, error)
	// Sync flushes all the pending writes.
	Sync() error
	// Dispose detaches the tracer and closes the storage.
	Dispose() error
}

// ///// ///// /////

// ///// MEMORY

// ///// ///// /////

// History is an in-memory history tracer.
type History struct {
	*fa.TracerNoOp

	a   fa.Automaton
	cfg BaseConfig

	mx       sync.RWMutex
	records  []*RunRecord
	rec      *AutomatonRecord
	disposed atomic.Bool
}

var (
	_ MemoryApi = &History{}
	_ fa.Tracer = &History{}
)

// Track creates a new history tracer and binds it to the automaton. It's
// disposed together with ctx.
func Track(ctx context.Context, a fa.Automaton, cfg BaseConfig) (*History,
	error,
) {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 1000
	}
	now := time.Now().UTC()
	h := &History{
		a:   a,
		cfg: cfg,
		rec: &AutomatonRecord{
			AutomatonId:   a.Id(),
			Kind:          a.Kind().String(),
			FirstTracking: now,
			LastTracking:  now,
			NextId:        1,
		},
	}
	if err := a.BindTracer(h); err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, func() {
		_ = h.Dispose()
	})

	return h, nil
}

func (h *History) ValidateEnd(run *fa.Run) {
	if !run.Accepted && !h.cfg.TrackRejected {
		return
	}
	rec := NewRunRecord(run)

	h.mx.Lock()
	defer h.mx.Unlock()

	h.rec.Count(rec)
	h.rec.LastSync = time.Now().UTC()

	// rotate
	if len(h.records) >= h.cfg.MaxRecords {
		cutFrom := len(h.records) - h.cfg.MaxRecords + 1
		h.records = h.records[cutFrom:]
	}
	h.records = append(h.records, rec)
	if h.cfg.Log {
		log.Printf("[%s] recorded %q accepted:%t", rec.AutomatonId, rec.Input,
			rec.Accepted)
	}
}

// Latest returns up to n newest records, newest first.
func (h *History) Latest(ctx context.Context, limit int) ([]*RunRecord, error) {
	return h.FindLatest(ctx, limit, Query{})
}

// FindLatest returns up to n newest records matching the query, newest first.
func (h *History) FindLatest(
	ctx context.Context, limit int, query Query,
) ([]*RunRecord, error) {
	if err := ValidateQuery(query); err != nil {
		return nil, err
	}

	h.mx.RLock()
	defer h.mx.RUnlock()

	var ret []*RunRecord
	for i := len(h.records) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r := h.records[i]
		if !query.Match(r) {
			continue
		}
		cp := *r
		ret = append(ret, &cp)
		if limit > 0 && len(ret) >= limit {
			break
		}
	}

	return ret, nil
}

// Len returns the number of kept records.
func (h *History) Len() int {
	h.mx.RLock()
	defer h.mx.RUnlock()

	return len(h.records)
}

// AcceptRate returns the ratio of accepted validations among all the
// recorded ones.
func (h *History) AcceptRate() float64 {
	return h.AutomatonRecord().AcceptRate()
}

func (h *History) Automaton() fa.Automaton {
	return h.a
}

func (h *History) AutomatonRecord() *AutomatonRecord {
	h.mx.RLock()
	defer h.mx.RUnlock()

	cp := *h.rec
	return &cp
}

func (h *History) Config() BaseConfig {
	return h.cfg
}

// Sync is a no-op.
func (h *History) Sync() error {
	return nil
}

func (h *History) Dispose() error {
	if !h.disposed.CompareAndSwap(false, true) {
		return nil
	}

	return h.a.DetachTracer(h)
}
