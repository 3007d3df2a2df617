package automata

import (
	"cmp"
	"slices"
)

// Named alphabets, usable as "$name" symbol groups in definitions.
const (
	AlphabetDigits      = "0123456789"
	AlphabetLower       = "abcdefghijklmnopqrstuvwxyz"
	AlphabetUpper       = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	AlphabetLetters     = AlphabetLower + AlphabetUpper
	AlphabetPunctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
	AlphabetWhitespace  = " \t\n\r\x0b\x0c"
	// AlphabetPrintable are all the printable ASCII characters.
	AlphabetPrintable = AlphabetDigits + AlphabetLetters + AlphabetPunctuation +
		AlphabetWhitespace
)

var alphabets = map[string]string{
	"digits":      AlphabetDigits,
	"lower":       AlphabetLower,
	"upper":       AlphabetUpper,
	"letters":     AlphabetLetters,
	"punctuation": AlphabetPunctuation,
	"whitespace":  AlphabetWhitespace,
	"printable":   AlphabetPrintable,
}

// Alphabet returns a named alphabet, eg "printable".
func Alphabet(name string) (string, bool) {
	a, ok := alphabets[name]
	return a, ok
}

// Expand unpacks a grouped spec into a flat table, with one entry per each
// symbol of each rule. Rules are processed in order and the last one wins for
// duplicated (symbol, state) pairs. Rules with no symbols produce no entries.
func Expand[T any](spec Spec[T]) Table[T] {
	table := make(Table[T])
	for _, rule := range spec {
		for _, sym := range rule.Symbols {
			table[Key{Symbol: sym, State: rule.From}] = rule.To
		}
	}

	return table
}

// sortedKeys returns the keys of a table, ordered by state and then symbol.
func sortedKeys[T any](table Table[T]) []Key {
	keys := make([]Key, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if c := cmp.Compare(a.State, b.State); c != 0 {
			return c
		}
		return cmp.Compare(a.Symbol, b.Symbol)
	})

	return keys
}

// collectStates returns a sorted, unique list of states from the start state,
// finals and the passed edges.
func collectStates(finals []State, edges []Edge) []State {
	ret := []State{StateStart}
	ret = append(ret, finals...)
	for _, e := range edges {
		ret = append(ret, e.From)
		ret = append(ret, e.To...)
	}
	slices.Sort(ret)

	return slices.Compact(ret)
}
