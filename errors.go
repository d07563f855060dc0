package stellar

// errors.go holds the error values returned by the model builder, the resolver and the optimizers.
// Callers are expected to test for the sentinels with errors.Is; the typed errors carry
// the context needed to report the problem.

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedInput reports missing ids, bad values or shape mismatches in the input records
	ErrMalformedInput = errors.New("stellar: malformed input")

	// ErrDuplicateID reports a repeated flow or link id. It is also an ErrMalformedInput
	ErrDuplicateID = fmt.Errorf("%w: duplicate id", ErrMalformedInput)

	// ErrCyclicDependency reports a dependency cycle inside one (collective, group)
	ErrCyclicDependency = errors.New("stellar: cyclic dependency")

	// ErrInfeasibleModel is returned when an LP/MILP has no solution under the current bounds
	ErrInfeasibleModel = errors.New("stellar: infeasible model")

	// ErrSolver reports a failure of the solver backend (unbounded, singular, node limit)
	ErrSolver = errors.New("stellar: solver failure")

	// ErrSolverTimeout is returned when a solver call runs past its wall-clock budget
	ErrSolverTimeout = errors.New("stellar: solver time budget exceeded")

	// ErrResourceExhaustion is returned by the bounded search when the instance is too large to enumerate
	ErrResourceExhaustion = errors.New("stellar: resource exhaustion")
)

// InputError describes one problem found in the input records
type InputError struct {
	Field  string
	Detail string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("stellar: malformed input: %s: %s", e.Field, e.Detail)
}

// Unwrap lets errors.Is match ErrMalformedInput
func (e *InputError) Unwrap() error {
	return ErrMalformedInput
}

func inputErrorf(field, format string, args ...any) error {
	return &InputError{Field: field, Detail: fmt.Sprintf(format, args...)}
}

// DuplicateIDError names the kind of entity ("flow", "link") and the repeated id
type DuplicateIDError struct {
	Kind string
	ID   string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("stellar: duplicate %s id %q", e.Kind, e.ID)
}

// Unwrap lets errors.Is match both ErrDuplicateID and ErrMalformedInput
func (e *DuplicateIDError) Unwrap() error {
	return ErrDuplicateID
}

// CyclicDependencyError reports the flows on the cycle, in traversal order,
// with the first flow repeated at the end
type CyclicDependencyError struct {
	Collective int
	Group      int
	Cycle      []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("stellar: cyclic dependency in collective %d group %d: %s",
		e.Collective, e.Group, strings.Join(e.Cycle, " -> "))
}

func (e *CyclicDependencyError) Unwrap() error {
	return ErrCyclicDependency
}
