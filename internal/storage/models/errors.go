package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedFormat      = errors.New("unsupported document format")
	ErrEmptyDocument          = errors.New("document contains no extractable text")
	ErrInvalidChunkConfig     = errors.New("invalid chunk configuration")
	ErrDimensionMismatch      = errors.New("embedding dimension mismatch")
	ErrInvalidStateTransition = errors.New("invalid document state transition")
	ErrNotFound               = errors.New("not found")
	ErrCancelled              = errors.New("operation cancelled")
)

// EmbeddingError reports a failed batch embedding along with the index of the
// input that failed. A single failing item fails the whole batch call.
type EmbeddingError struct {
	Index int
	Err   error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed at input %d: %v", e.Index, e.Err)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// ProviderError is one entry in an ExhaustedError's failure list.
type ProviderError struct {
	Provider string
	Err      error
}

func (e ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e ProviderError) Unwrap() error {
	return e.Err
}

// ExhaustedError means every provider in a fallback chain failed. It carries
// the per-provider errors in attempt order.
type ExhaustedError struct {
	Errors []ProviderError
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, pe := range e.Errors {
		parts[i] = pe.Error()
	}
	return fmt.Sprintf("all providers exhausted: [%s]", strings.Join(parts, "; "))
}

// IsExhausted reports whether err wraps an ExhaustedError.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}
