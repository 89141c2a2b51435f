package embedding

import (
	"context"
	"errors"
	"time"
)

// Model is the external embedding capability: texts in, one vector per text
// out, same order. Implementations must be deterministic for identical text
// and return vectors of one fixed dimension.
type Model interface {
	Name() string
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// Fitter is implemented by models that must see the document corpus before
// they can embed. Fit returns a new model and leaves the receiver untouched.
type Fitter interface {
	Fit(corpus []string) (Model, error)
}

// TransientError marks a failure worth retrying, optionally with a server
// supplied delay.
type TransientError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, RetryAfter: retryAfter}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
