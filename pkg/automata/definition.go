package automata

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/orsinium-labs/enum"
	"gopkg.in/yaml.v3"
)

// Kind enum

type Kind enum.Member[string]

var (
	KindDFA  = Kind{"dfa"}
	KindNFA  = Kind{"nfa"}
	KindEnum = enum.New(KindDFA, KindNFA)
)

func (k Kind) String() string {
	return k.Value
}

// flatten to a string in JSON and YAML

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.Value)
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	err := json.Unmarshal(b, &s)
	if err != nil {
		return err
	}

	k.Value = strings.ToLower(s)
	return nil
}

func (k Kind) MarshalYAML() (any, error) {
	return k.Value, nil
}

func (k *Kind) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	k.Value = strings.ToLower(s)
	return nil
}

// Format of a serialized Definition.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ///// ///// /////

// ///// DEFINITION

// ///// ///// /////

// Definition is a serializable description of an automaton.
type Definition struct {
	Id          string          `json:"id" yaml:"id"`
	Kind        Kind            `json:"kind" yaml:"kind"`
	Finals      []State         `json:"finals" yaml:"finals"`
	Transitions []TransitionDef `json:"transitions" yaml:"transitions"`
}

// TransitionDef is a grouped transition. Symbols can also be a named alphabet,
// eg "$printable".
type TransitionDef struct {
	Symbols string    `json:"symbols" yaml:"symbols"`
	From    State     `json:"from" yaml:"from"`
	To      TargetDef `json:"to" yaml:"to"`
}

// TargetDef is a transition target, serialized as a number (single) or a list
// (multi).
type TargetDef struct {
	States []State
	Multi  bool
}

func (t TargetDef) MarshalJSON() ([]byte, error) {
	if t.Multi {
		// an empty multi target isn't a missing one
		if t.States == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(t.States)
	}
	if len(t.States) == 0 {
		return []byte("null"), nil
	}

	return json.Marshal(t.States[0])
}

func (t *TargetDef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.HasPrefix(b, []byte("[")) {
		t.Multi = true
		return json.Unmarshal(b, &t.States)
	}
	if bytes.Equal(b, []byte("null")) {
		return nil
	}

	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t.States = []State{s}
	t.Multi = false

	return nil
}

func (t TargetDef) MarshalYAML() (any, error) {
	if t.Multi {
		if t.States == nil {
			return []State{}, nil
		}
		return t.States, nil
	}
	if len(t.States) == 0 {
		return nil, nil
	}

	return t.States[0], nil
}

func (t *TargetDef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		t.Multi = true
		return node.Decode(&t.States)
	}

	var s State
	if err := node.Decode(&s); err != nil {
		return err
	}
	t.States = []State{s}
	t.Multi = false

	return nil
}

// ParseDefinition decodes a definition from JSON or YAML.
func ParseDefinition(data []byte, format Format) (*Definition, error) {
	def := &Definition{}
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, def)
	case FormatYAML:
		err = yaml.Unmarshal(data, def)
	default:
		return nil, fmt.Errorf("%w: format %q", ErrDefinition, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDefinition, err)
	}

	return def, nil
}

// LoadDefinition reads a definition file, with the format based on the
// extension. A ".br" suffix means brotli compression, eg "ab.yaml.br". Missing
// IDs default to the file name.
func LoadDefinition(path string) (*Definition, error) {
	format, compressed, err := formatFromPath(path)
	if err != nil {
		return nil, err
	}

	var data []byte
	if compressed {
		fr, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer fr.Close()
		data, err = io.ReadAll(brotli.NewReader(bufio.NewReader(fr)))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	def, err := ParseDefinition(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if def.Id == "" {
		base := strings.TrimSuffix(filepath.Base(path), ".br")
		def.Id = strings.TrimSuffix(base, filepath.Ext(base))
	}

	return def, nil
}

// Save writes the definition to a file, with the format based on the
// extension (see LoadDefinition).
func (d *Definition) Save(path string) (err error) {
	format, compressed, err := formatFromPath(path)
	if err != nil {
		return err
	}
	data, err := d.Marshal(format)
	if err != nil {
		return err
	}
	if !compressed {
		return os.WriteFile(path, data, 0o644)
	}

	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, fh.Close())
	}()
	brCompress := brotli.NewWriter(fh)
	if _, err := brCompress.Write(data); err != nil {
		return err
	}

	return brCompress.Close()
}

func formatFromPath(path string) (Format, bool, error) {
	compressed := strings.HasSuffix(path, ".br")
	ext := strings.ToLower(filepath.Ext(strings.TrimSuffix(path, ".br")))
	switch ext {
	case ".json":
		return FormatJSON, compressed, nil
	case ".yaml", ".yml":
		return FormatYAML, compressed, nil
	}

	return "", false, fmt.Errorf("%w: unknown extension %q", ErrDefinition, ext)
}

// Marshal encodes the definition as JSON or YAML.
func (d *Definition) Marshal(format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return json.MarshalIndent(d, "", "  ")
	case FormatYAML:
		return yaml.Marshal(d)
	}

	return nil, fmt.Errorf("%w: format %q", ErrDefinition, format)
}

// Build creates a DFA or NFA from the definition. Opts.Id defaults to the
// definition's ID.
func (d *Definition) Build(opts *Opts) (Automaton, error) {
	o := Opts{}
	if opts != nil {
		o = *opts
	}
	if o.Id == "" {
		o.Id = d.Id
	}

	switch d.Kind {
	case KindDFA:
		spec := make(Spec[State], 0, len(d.Transitions))
		for i, t := range d.Transitions {
			symbols, err := expandSymbols(t.Symbols)
			if err != nil {
				return nil, fmt.Errorf("transition %d: %w", i, err)
			}
			if t.To.Multi || len(t.To.States) != 1 {
				return nil, fmt.Errorf(
					"%w: transition %d from %d needs exactly one state",
					ErrTarget, i, t.From)
			}
			spec = append(spec, Rule[State]{
				Symbols: symbols, From: t.From, To: t.To.States[0],
			})
		}
		return NewDFA(spec, d.Finals, &o), nil

	case KindNFA:
		spec := make(Spec[Target], 0, len(d.Transitions))
		for i, t := range d.Transitions {
			symbols, err := expandSymbols(t.Symbols)
			if err != nil {
				return nil, fmt.Errorf("transition %d: %w", i, err)
			}
			var to Target
			if t.To.Multi {
				to = Multi(slices.Clone(t.To.States))
			} else if len(t.To.States) == 1 {
				to = Single(t.To.States[0])
			} else {
				return nil, fmt.Errorf("%w: transition %d from %d has no target",
					ErrTarget, i, t.From)
			}
			spec = append(spec, Rule[Target]{Symbols: symbols, From: t.From, To: to})
		}
		return NewNFA(spec, d.Finals, &o), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrKind, d.Kind.Value)
}

// expandSymbols resolves "$name" alphabets. A single "$" is a literal.
func expandSymbols(symbols string) (string, error) {
	if len(symbols) < 2 || symbols[0] != '$' {
		return symbols, nil
	}
	a, ok := Alphabet(symbols[1:])
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAlphabet, symbols)
	}

	return a, nil
}

// Export returns a definition of a built automaton, with symbols grouped per
// (state, target).
func Export(a Automaton) *Definition {
	def := &Definition{
		Id:     a.Id(),
		Kind:   a.Kind(),
		Finals: a.Finals(),
	}

	// edges are sorted by state and symbol, group consecutive ones
	idx := map[string]int{}
	for _, e := range a.Edges() {
		key := fmt.Sprintf("%d:%t:%v", e.From, e.Multi, e.To)
		if i, ok := idx[key]; ok {
			def.Transitions[i].Symbols += string(e.Symbol)
			continue
		}
		idx[key] = len(def.Transitions)
		def.Transitions = append(def.Transitions, TransitionDef{
			Symbols: string(e.Symbol),
			From:    e.From,
			To:      TargetDef{States: e.To, Multi: e.Multi},
		})
	}

	// a leading "$" would be read back as an alphabet
	for i := range def.Transitions {
		s := def.Transitions[i].Symbols
		if len(s) > 1 && s[0] == '$' {
			def.Transitions[i].Symbols = s[1:] + "$"
		}
	}

	return def
}
