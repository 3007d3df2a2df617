package automata

// DFA is a deterministic finite automaton. Every (symbol, state) pair has at
// most one next state and a missing transition rejects the input. The
// transition table is built once and never mutated, so concurrent
// validations are safe.
type DFA struct {
	base

	table Table[State]
}

var _ Automaton = &DFA{}

// NewDFA expands the grouped spec and returns a new DFA, starting at
// StateStart and accepting in any of finals.
func NewDFA(spec Spec[State], finals []State, opts *Opts) *DFA {
	d := &DFA{table: Expand(spec)}
	d.init(KindDFA, finals, opts)

	return d
}

// Validate returns true if the input is accepted.
func (d *DFA) Validate(input string) bool {
	return d.ValidateSymbols([]Symbol(input))
}

// ValidateSymbols is Validate for a symbol sequence.
func (d *DFA) ValidateSymbols(input []Symbol) bool {
	s := d.startRun(input, StateStart)
	current := StateStart

	for pos, sym := range input {
		next, ok := d.table[Key{Symbol: sym, State: current}]
		if !ok {
			d.deadEnd(s, sym, current)
			return d.endRun(s, false)
		}
		d.step(s, pos, sym, current, next)
		current = next
	}

	return d.endRun(s, d.IsFinal(current))
}

// Next returns the next state for the (symbol, state) pair, if any.
func (d *DFA) Next(state State, symbol Symbol) (State, bool) {
	next, ok := d.table[Key{Symbol: symbol, State: state}]
	return next, ok
}

// Len returns the number of entries in the flat transition table.
func (d *DFA) Len() int {
	return len(d.table)
}

// Edges returns all the transitions, sorted by state and symbol.
func (d *DFA) Edges() []Edge {
	keys := sortedKeys(d.table)
	ret := make([]Edge, len(keys))
	for i, k := range keys {
		ret[i] = Edge{
			From:   k.State,
			Symbol: k.Symbol,
			To:     []State{d.table[k]},
		}
	}

	return ret
}

// States returns all the referenced states, including StateStart.
func (d *DFA) States() []State {
	return collectStates(d.finalsL, d.Edges())
}
