// Package common defines the sentinel errors shared by the upload client and
// the chunk server. Callers match them with errors.Is.
package common

import (
	"context"
	"errors"
)

var (
	// ErrValidation rejects a file before anything is transferred. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrTransient marks a network or server-side failure of one request.
	// The whole upload attempt is retried up to the configured ceiling.
	ErrTransient = errors.New("transient transfer error")

	// ErrCancelled is a user initiated pause. It never counts against retries.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrIntegrity reports an ingest offset or chunk length that disagrees
	// with what the server holds. Retrying blindly could corrupt the chunk.
	ErrIntegrity = errors.New("server integrity error")

	// ErrMerge reports a failed merge. Chunk data is preserved.
	ErrMerge = errors.New("merge error")

	// ErrNotFound is returned by stores for a missing key.
	ErrNotFound = errors.New("not found")
)

// IsCancelled reports whether err is a pause rather than a failure.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Retryable reports whether a failed attempt may be retried as a whole.
func Retryable(err error) bool {
	if err == nil || IsCancelled(err) {
		return false
	}
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrIntegrity), errors.Is(err, ErrMerge):
		return false
	}
	return true
}
