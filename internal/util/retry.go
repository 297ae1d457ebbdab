package util

import (
	"context"
	"errors"
	"time"
)

// ErrPermanent marks an error that Retry gives up on at once.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct{ err error }

func (p permanentError) Error() string   { return p.err.Error() }
func (p permanentError) Unwrap() []error { return []error{p.err, ErrPermanent} }

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds and Retry
// stops. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// maxBackoff caps the doubling delay between attempts.
const maxBackoff = time.Minute

// Retry runs fn at most attempts times, sleeping baseDelay, 2*baseDelay, ...
// (capped at one minute) between failures. A permanent error or a done ctx
// ends the loop early; otherwise the final error is returned.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseDelay
	for i := 1; ; i++ {
		err := fn()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrPermanent), i == attempts:
			return err
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay = min(2*delay, maxBackoff)
	}
}
