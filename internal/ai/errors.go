package ai

import (
	"context"
	"errors"
	"fmt"
)

// ErrAllModelsFailed is returned once every candidate model is exhausted.
var ErrAllModelsFailed = errors.New("all candidate models failed")

// ErrorKind classifies a provider failure for the fallback loop.
type ErrorKind int

const (
	// Retryable failures (timeouts, 429, 5xx, overload) may succeed on the same model.
	Retryable ErrorKind = iota
	// Terminal failures (auth, bad request, schema violation) abandon the model.
	Terminal
)

func (k ErrorKind) String() string {
	if k == Terminal {
		return "terminal"
	}
	return "retryable"
}

// ProviderError is a classified backend failure.
type ProviderError struct {
	Provider   Provider
	Model      string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s/%s: %s error (status %d): %v", e.Provider, e.Model, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s/%s: %s error: %v", e.Provider, e.Model, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(code int) ErrorKind {
	switch {
	case code == 408 || code == 409 || code == 429 || code == 529:
		return Retryable
	case code >= 500:
		return Retryable
	default:
		return Terminal
	}
}

// statusError builds a ProviderError from a non-2xx response.
func statusError(p Provider, model string, code int, body []byte) *ProviderError {
	msg := string(body)
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return &ProviderError{Provider: p, Model: model, Kind: classifyStatus(code), StatusCode: code, Err: errors.New(msg)}
}

// transportError classifies failures that happened before a response arrived.
// Timeouts and connection resets are retryable; caller cancellation is not.
func transportError(p Provider, model string, err error) *ProviderError {
	if errors.Is(err, context.Canceled) {
		return &ProviderError{Provider: p, Model: model, Kind: Terminal, Err: err}
	}
	return &ProviderError{Provider: p, Model: model, Kind: Retryable, Err: err}
}

// kindOf returns the kind of err, treating unclassified errors as retryable.
func kindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Retryable
}
