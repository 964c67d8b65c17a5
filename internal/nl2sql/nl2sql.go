// Package nl2sql turns prompts into SQL and results into prose using a
// pluggable language model backend.
package nl2sql

import (
	"context"
	"errors"
	"fmt"

	"github.com/sqlassist/sqlassist/internal/prompt"
)

var (
	// ErrContentRejected means the provider refused the prompt. It is never
	// retried.
	ErrContentRejected = errors.New("content rejected by model provider")
	ErrEmptyResponse   = errors.New("model returned an empty response")
)

// Completer is a text generation backend: given a prompt, produce text.
type Completer interface {
	Name() string
	Complete(ctx context.Context, p prompt.Prompt) (string, error)
}

// GenerationError reports that no usable SQL could be produced.
type GenerationError struct {
	Backend  string
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate sql with %s after %d attempt(s): %v", e.Backend, e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a backend failure that a retry cannot fix, such as bad
// credentials or an unknown model.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isTransient(err error) bool {
	if err == nil || errors.Is(err, ErrContentRejected) || errors.Is(err, context.Canceled) {
		return false
	}
	var perm *permanentError
	return !errors.As(err, &perm)
}
