// Package prometheus provides Prometheus metrics for automata.
// The metrics are collected from the automaton's validations.
//
// Exported metrics:
// - states, finals and transitions amount
// - validations, accepted and rejected counts
// - averaged input length, steps, branches, dead ends and validation time
package prometheus

import (
	"regexp"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	fa "github.com/pancsta/automata-go/pkg/automata"
)

type promTracer struct {
	*fa.TracerNoOp

	m *Metrics
}

func (t *promTracer) ValidateEnd(run *fa.Run) {
	if t.m.isClosed() {
		return
	}

	t.m.ValidationsCount.Inc()
	if run.Accepted {
		t.m.AcceptedCount.Inc()
	} else {
		t.m.RejectedCount.Inc()
	}

	// try to refresh, then lock
	t.m.Refresh()
	t.m.mx.Lock()
	defer t.m.mx.Unlock()

	t.m.inputLen += uint64(len(run.Input))
	t.m.inputLenLen++
	t.m.steps += uint64(run.Steps)
	t.m.stepsLen++
	t.m.branches += uint64(run.Branches)
	t.m.branchesLen++
	t.m.deadEnds += uint64(run.DeadEnds)
	t.m.deadEndsLen++
	t.m.validateTime += uint64(run.Duration().Microseconds())
	t.m.validateTimeLen++
}

// Metrics is a set of Prometheus metrics for an automaton.
type Metrics struct {
	mx         sync.Mutex
	closed     bool
	lastUpdate time.Time
	interval   time.Duration
	tracer     *promTracer
	a          fa.Automaton

	// //// definition

	// number of referenced states
	StatesAmount prometheus.Gauge

	// number of final states
	FinalsAmount prometheus.Gauge

	// number of entries in the flat transition table
	TransitionsAmount prometheus.Gauge

	// //// counters

	// number of validations
	ValidationsCount prometheus.Counter

	// number of accepted inputs
	AcceptedCount prometheus.Counter

	// number of rejected inputs
	RejectedCount prometheus.Counter

	// //// stats

	// input length (per validation)
	InputLen    prometheus.Gauge
	inputLen    uint64
	inputLenLen uint

	// consumed symbols over all branches (per validation)
	Steps    prometheus.Gauge
	steps    uint64
	stepsLen uint

	// branch points (per validation)
	Branches    prometheus.Gauge
	branches    uint64
	branchesLen uint

	// dead ends (per validation)
	DeadEnds    prometheus.Gauge
	deadEnds    uint64
	deadEndsLen uint

	// validation time in microseconds
	ValidateTime    prometheus.Gauge
	validateTime    uint64
	validateTimeLen uint
}

var reNonAlnum = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// NormalizeId returns an ID usable as a metric subsystem.
func NormalizeId(id string) string {
	return reNonAlnum.ReplaceAllString(id, "_")
}

func newMetrics(a fa.Automaton, interval time.Duration) *Metrics {
	id := NormalizeId(a.Id())

	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Name:      name,
			Help:      help,
			Subsystem: id,
			Namespace: "fa",
		})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Name:      name,
			Help:      help,
			Subsystem: id,
			Namespace: "fa",
		})
	}

	return &Metrics{
		a:          a,
		interval:   interval,
		lastUpdate: time.Now(),

		// /// definition

		StatesAmount:      gauge("states_amount", "Number of referenced states"),
		FinalsAmount:      gauge("finals_amount", "Number of final states"),
		TransitionsAmount: gauge("transitions_amount", "Number of transitions"),

		// /// counters

		ValidationsCount: counter("validations_count", "Number of validations"),
		AcceptedCount:    counter("accepted_count", "Number of accepted inputs"),
		RejectedCount:    counter("rejected_count", "Number of rejected inputs"),

		// /// stats

		InputLen: gauge("input_len", "Input length per validation"),
		Steps: gauge("steps",
			"Consumed symbols over all branches per validation"),
		Branches:     gauge("branches", "Branch points per validation"),
		DeadEnds:     gauge("dead_ends", "Dead ends per validation"),
		ValidateTime: gauge("validate_time", "Validation time in microseconds"),
	}
}

// Collectors returns all the metrics, for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.StatesAmount, m.FinalsAmount, m.TransitionsAmount,
		m.ValidationsCount, m.AcceptedCount, m.RejectedCount,
		m.InputLen, m.Steps, m.Branches, m.DeadEnds, m.ValidateTime,
	}
}

func (m *Metrics) isClosed() bool {
	m.mx.Lock()
	defer m.mx.Unlock()

	return m.closed
}

// Refresh updates averages values from the interval and updates the gauges.
func (m *Metrics) Refresh() {
	m.mx.Lock()
	defer m.mx.Unlock()

	if m.closed || m.lastUpdate.Add(m.interval).After(time.Now()) {
		return
	}

	// update the gauges
	m.InputLen.Set(average(m.inputLen, m.inputLenLen))
	m.Steps.Set(average(m.steps, m.stepsLen))
	m.Branches.Set(average(m.branches, m.branchesLen))
	m.DeadEnds.Set(average(m.deadEnds, m.deadEndsLen))
	m.ValidateTime.Set(average(m.validateTime, m.validateTimeLen))

	// reset buffers
	m.inputLen = 0
	m.inputLenLen = 0
	m.steps = 0
	m.stepsLen = 0
	m.branches = 0
	m.branchesLen = 0
	m.deadEnds = 0
	m.deadEndsLen = 0
	m.validateTime = 0
	m.validateTimeLen = 0

	// tag it
	m.lastUpdate = time.Now()
}

// Close sets all gauges to 0 and detaches from the automaton.
func (m *Metrics) Close() {
	m.mx.Lock()
	defer m.mx.Unlock()

	// close only once
	if m.closed {
		return
	}
	m.closed = true
	_ = m.a.DetachTracer(m.tracer)

	// set all gauges to 0
	m.StatesAmount.Set(0)
	m.FinalsAmount.Set(0)
	m.TransitionsAmount.Set(0)
	m.InputLen.Set(0)
	m.Steps.Set(0)
	m.Branches.Set(0)
	m.DeadEnds.Set(0)
	m.ValidateTime.Set(0)
}

func average(sum uint64, sampleLen uint) float64 {
	if sampleLen == 0 {
		return 0
	}

	return float64(sum) / float64(sampleLen)
}

// BindAutomaton binds validations of the automaton to Prometheus metrics.
// Averaged gauges are refreshed at most once per interval.
func BindAutomaton(a fa.Automaton, interval time.Duration) (*Metrics, error) {
	metrics := newMetrics(a, interval)

	// definition
	metrics.StatesAmount.Set(float64(len(a.States())))
	metrics.FinalsAmount.Set(float64(len(a.Finals())))
	metrics.TransitionsAmount.Set(float64(len(a.Edges())))

	metrics.tracer = &promTracer{m: metrics}
	if err := a.BindTracer(metrics.tracer); err != nil {
		return nil, err
	}

	return metrics, nil
}
