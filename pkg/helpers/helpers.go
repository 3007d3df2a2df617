package helpers

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	fa "github.com/pancsta/automata-go/pkg/automata"
)

// ValidateAll validates inputs in parallel, with at most [limit] goroutines
// (0 means no limit). Results keep the order of inputs. Transition tables are
// immutable, so it's safe to share [a] between goroutines.
func ValidateAll(
	ctx context.Context, a fa.Automaton, inputs []string, limit int,
) ([]bool, error) {
	results := make([]bool, len(inputs))
	eg, ctxEg := errgroup.WithContext(ctx)
	if limit > 0 {
		eg.SetLimit(limit)
	}

	for i, input := range inputs {
		// stop scheduling on cancel
		if ctxEg.Err() != nil {
			break
		}
		eg.Go(func() error {
			if err := ctxEg.Err(); err != nil {
				return err
			}
			results[i] = a.Validate(input)

			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return results, nil
}

// Equivalent reports the first input, for which [a] and [b] disagree. It only
// checks the passed inputs, so it's a sampling test, not a proof.
func Equivalent(
	ctx context.Context, a, b fa.Automaton, inputs []string,
) (bool, string, error) {
	resA, err := ValidateAll(ctx, a, inputs, 0)
	if err != nil {
		return false, "", err
	}
	resB, err := ValidateAll(ctx, b, inputs, 0)
	if err != nil {
		return false, "", err
	}
	for i := range inputs {
		if resA[i] != resB[i] {
			return false, inputs[i], nil
		}
	}

	return true, "", nil
}

// ///// ///// /////

// ///// STATS

// ///// ///// /////

// Stats summarizes an automaton and optionally its validations.
type Stats struct {
	Id          string
	Kind        string
	States      int
	Finals      int
	Transitions int
	// branching transitions (NFA only)
	Multi int

	Validations int
	Accepted    int
}

// NewStats creates a summary of the automaton's definition.
func NewStats(a fa.Automaton) *Stats {
	s := &Stats{
		Id:     a.Id(),
		Kind:   a.Kind().String(),
		States: len(a.States()),
		Finals: len(a.Finals()),
	}
	for _, e := range a.Edges() {
		s.Transitions++
		if e.Multi {
			s.Multi++
		}
	}

	return s
}

// Count adds validation results, eg from ValidateAll.
func (s *Stats) Count(results []bool) {
	for _, ok := range results {
		s.Validations++
		if ok {
			s.Accepted++
		}
	}
}

// AcceptRate returns the ratio of accepted validations (0-1).
func (s *Stats) AcceptRate() float64 {
	if s.Validations == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Validations)
}

func (s *Stats) String() string {
	p := message.NewPrinter(language.English)
	ret := p.Sprintf("%s (%s): %d states, %d finals, %d transitions",
		s.Id, s.Kind, s.States, s.Finals, s.Transitions)
	if s.Multi > 0 {
		ret += p.Sprintf(" (%d multi)", s.Multi)
	}
	if s.Validations > 0 {
		ret += p.Sprintf("\nvalidated %d, accepted %d (%s)", s.Validations,
			s.Accepted, fmt.Sprintf("%.1f%%", s.AcceptRate()*100))
	}

	return ret
}
