package automata

// NFA is a nondeterministic finite automaton. A (symbol, state) pair maps to
// either a Single state or a Multi set of candidates, and the input is
// accepted if any of the resulting paths ends in a final state.
//
// Branches are explored depth-first and in order, without memoization (see
// Opts.Memoize). The worst case is exponential in the branching factor, the
// recursion depth equals the input length.
type NFA struct {
	base

	table   Table[Target]
	memoize bool
}

var _ Automaton = &NFA{}

// NewNFA expands the grouped spec and returns a new NFA, accepting in any of
// finals.
func NewNFA(spec Spec[Target], finals []State, opts *Opts) *NFA {
	n := &NFA{table: Expand(spec)}
	n.init(KindNFA, finals, opts)
	if opts != nil {
		n.memoize = opts.Memoize
	}

	return n
}

// Validate returns true if any path from StateStart accepts the input.
func (n *NFA) Validate(input string) bool {
	return n.ValidateSymbols([]Symbol(input), StateStart)
}

// ValidateFrom returns true if any path from start accepts the input.
func (n *NFA) ValidateFrom(input string, start State) bool {
	return n.ValidateSymbols([]Symbol(input), start)
}

// ValidateSymbols is ValidateFrom for a symbol sequence.
func (n *NFA) ValidateSymbols(input []Symbol, start State) bool {
	s := n.startRun(input, start)
	x := &exploration{session: s, input: input}
	if n.memoize {
		x.memo = make(map[memoKey]bool)
	}

	return n.endRun(s, n.validate(x, 0, start))
}

// Next returns the transition target for the (symbol, state) pair, if any.
func (n *NFA) Next(state State, symbol Symbol) (Target, bool) {
	t, ok := n.table[Key{Symbol: symbol, State: state}]
	return t, ok && t != nil
}

// Len returns the number of entries in the flat transition table.
func (n *NFA) Len() int {
	return len(n.table)
}

// Edges returns all the transitions, sorted by state and symbol.
func (n *NFA) Edges() []Edge {
	keys := sortedKeys(n.table)
	ret := make([]Edge, 0, len(keys))
	for _, k := range keys {
		t := n.table[k]
		if t == nil {
			continue
		}
		_, multi := t.(Multi)
		ret = append(ret, Edge{
			From:   k.State,
			Symbol: k.Symbol,
			To:     t.States(),
			Multi:  multi,
		})
	}

	return ret
}

// States returns all the referenced states, including StateStart.
func (n *NFA) States() []State {
	return collectStates(n.finalsL, n.Edges())
}

// ///// ///// /////

// ///// EXPLORATION

// ///// ///// /////

type memoKey struct {
	pos   int
	state State
}

// exploration is the state of a single validation call.
type exploration struct {
	*session
	input []Symbol
	// nil unless memoizing
	memo map[memoKey]bool
}

// validate decides the suffix of the input starting at pos, from state.
func (n *NFA) validate(x *exploration, pos int, state State) bool {
	if pos == len(x.input) {
		return n.IsFinal(state)
	}

	if x.memo == nil {
		return n.explore(x, pos, state)
	}

	key := memoKey{pos: pos, state: state}
	if ret, ok := x.memo[key]; ok {
		x.run.MemoHits++
		n.log(LogEverything, "[memo] %d at %d: %t", state, pos, ret)
		return ret
	}
	ret := n.explore(x, pos, state)
	x.memo[key] = ret

	return ret
}

// explore consumes the symbol at pos and recurses into every candidate.
func (n *NFA) explore(x *exploration, pos int, state State) bool {
	sym := x.input[pos]

	switch t := n.table[Key{Symbol: sym, State: state}].(type) {

	case Single:
		n.step(x.session, pos, sym, state, State(t))
		return n.validate(x, pos+1, State(t))

	case Multi:
		n.branch(x.session, state, sym, []State(t))
		for _, next := range t {
			n.step(x.session, pos, sym, state, next)
			if n.validate(x, pos+1, next) {
				return true
			}
		}
		return false

	default:
		// missing transition, this path dies
		n.deadEnd(x.session, sym, state)
		return false
	}
}
