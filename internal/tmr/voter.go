package tmr

import "fmt"

// Outcome classifies a vote over three copies.
type Outcome int

const (
	// Unanimous: all three copies agree.
	Unanimous Outcome = iota
	// Corrected: two copies agree, the third was outvoted.
	Corrected
	// Uncorrectable: no two copies agree. The value is copy 0 and must not
	// be trusted.
	Uncorrectable
)

func (o Outcome) String() string {
	switch o {
	case Unanimous:
		return "unanimous"
	case Corrected:
		return "corrected"
	case Uncorrectable:
		return "uncorrectable"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText renders the outcome by name in JSON and logs.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Vote is the result of voting over three copies. Callers that need to
// distinguish a confident answer from a guess check Trusted.
type Vote[T any] struct {
	Value   T
	Outcome Outcome
	// Dissenter is the index of the outvoted copy, or -1.
	Dissenter int
}

// Trusted reports whether the value is backed by at least two copies.
func (v Vote[T]) Trusted() bool {
	return v.Outcome != Uncorrectable
}

// Majority performs a two-of-three equality vote. Copy 0 wins ties: pairs
// are checked in the order (0,1), (0,2), (1,2).
func Majority[T comparable](copies [3]T) Vote[T] {
	switch {
	case copies[0] == copies[1] && copies[1] == copies[2]:
		return Vote[T]{Value: copies[0], Outcome: Unanimous, Dissenter: -1}
	case copies[0] == copies[1]:
		return Vote[T]{Value: copies[0], Outcome: Corrected, Dissenter: 2}
	case copies[0] == copies[2]:
		return Vote[T]{Value: copies[0], Outcome: Corrected, Dissenter: 1}
	case copies[1] == copies[2]:
		return Vote[T]{Value: copies[1], Outcome: Corrected, Dissenter: 0}
	default:
		return Vote[T]{Value: copies[0], Outcome: Uncorrectable, Dissenter: -1}
	}
}

// ErrorStats counts voting outcomes.
type ErrorStats struct {
	Detected      uint64 `json:"detected_errors"`
	Corrected     uint64 `json:"corrected_errors"`
	Uncorrectable uint64 `json:"uncorrectable_errors"`
}

// Record folds one vote outcome into the counters.
func (s *ErrorStats) Record(o Outcome) {
	switch o {
	case Corrected:
		s.Detected++
		s.Corrected++
	case Uncorrectable:
		s.Detected++
		s.Uncorrectable++
	}
}
