package aggregation

import (
	"fmt"
	"strings"
)

// Step is the phase of a distributed aggregation an aggregator runs in.
type Step int

const (
	// Single combines raw input into a finished value.
	Single Step = iota
	// Partial combines raw input into mergeable intermediate state.
	Partial
	// Intermediate merges intermediate states into another intermediate state.
	Intermediate
	// Final merges intermediate states into a finished value.
	Final
)

var stepNames = [...]string{"single", "partial", "intermediate", "final"}

func (s Step) String() string {
	if s < Single || s > Final {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

// IsInputRaw reports whether the step consumes raw rows.
func (s Step) IsInputRaw() bool {
	return s == Single || s == Partial
}

// IsOutputPartial reports whether the step produces intermediate state.
func (s Step) IsOutputPartial() bool {
	return s == Partial || s == Intermediate
}

// PartialOutput is the step reading the same input as s but producing
// intermediate state. Applying it twice equals applying it once.
func (s Step) PartialOutput() Step {
	if s.IsInputRaw() {
		return Partial
	}
	return Intermediate
}

// PartialInput is the step producing the same output as s but consuming
// intermediate state. It is the step that merges what s spilled.
func (s Step) PartialInput() Step {
	if s.IsOutputPartial() {
		return Intermediate
	}
	return Final
}

// ParseStep resolves a step name, case-insensitively.
func ParseStep(name string) (Step, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range stepNames {
		if candidate == n {
			return Step(i), nil
		}
	}
	return Single, fmt.Errorf("unknown aggregation step %q", name)
}

func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Step) UnmarshalText(text []byte) error {
	parsed, err := ParseStep(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
