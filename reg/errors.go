package reg

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for empty, non-finite, or mismatched point sets
	// and for out-of-range hyperparameters.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDegenerateInput is returned when a point set carries too little geometry
	// to estimate a rotation (fewer than D distinct points).
	ErrDegenerateInput = errors.New("degenerate input")

	// ErrNumericalInstability is matched by *NumericalInstabilityError.
	ErrNumericalInstability = errors.New("numerical instability")

	// ErrNotRun is returned when a result is requested before Run completed.
	ErrNotRun = errors.New("registration has not been run")
)

// NumericalInstabilityError reports a non-finite intermediate value and the
// iteration that produced it.
type NumericalInstabilityError struct {
	Iteration int
	Quantity  string
}

func (e *NumericalInstabilityError) Error() string {
	return fmt.Sprintf("numerical instability: non-finite %s at iteration %d", e.Quantity, e.Iteration)
}

// Is lets errors.Is(err, ErrNumericalInstability) match.
func (e *NumericalInstabilityError) Is(target error) bool {
	return target == ErrNumericalInstability
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func degeneratef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDegenerateInput, fmt.Sprintf(format, args...))
}
