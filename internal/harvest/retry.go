package harvest

import (
	"errors"
	"fmt"
)

// ErrRetry tells Attempt that the generated value was rejected and another
// attempt should be made.
var ErrRetry = errors.New("retry")

// Attempt calls gen up to maxAttempts times and returns the first value
// produced without error. A generator returning an error wrapping ErrRetry is
// retried; any other error aborts immediately. When every attempt asks for a
// retry the result wraps ErrExhausted.
func Attempt[T any](gen func() (T, error), maxAttempts int) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var last error
	for i := 0; i < maxAttempts; i++ {
		v, err := gen()
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrRetry) {
			return zero, err
		}
		last = err
	}
	return zero, fmt.Errorf("%w after %d attempts: %v", ErrExhausted, maxAttempts, last)
}
