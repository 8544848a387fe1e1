package mealscan

import (
	"errors"
	"fmt"
)

// ErrRetriesExhausted marks a completion request that consumed every
// allowed attempt. Callers receive it wrapped in a RetryError carrying the
// attempt count.
var ErrRetriesExhausted = errors.New("max retries exceeded")

// ErrIterationsExhausted marks a tool-calling conversation that hit its
// iteration cap before the model produced a final answer.
var ErrIterationsExhausted = errors.New("max iterations exceeded")

// RateLimitError is a provider HTTP 429. Clients rotate credentials on it
// and retry immediately; it surfaces only when the whole pool is throttled.
type RateLimitError struct {
	Provider string
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited: %v", e.Provider, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// AuthError is a provider HTTP 401 or 403: a rejected credential. Like a
// rate limit it triggers rotation and surfaces only on pool exhaustion.
type AuthError struct {
	Provider string
	Status   int
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: credential rejected (status %d): %v", e.Provider, e.Status, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError is a network failure or timeout underneath a provider
// call. Clients retry these with exponential backoff.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RetryError reports pool exhaustion: every attempt failed. It unwraps to
// ErrRetriesExhausted and to the final attempt's classified error.
type RetryError struct {
	Attempts int
	Last     error
}

func (e *RetryError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("max retries exceeded after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryError) Unwrap() []error {
	errs := []error{ErrRetriesExhausted}
	if e.Last != nil {
		errs = append(errs, e.Last)
	}
	return errs
}

func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
