package ai

import "fmt"

// UpstreamError reports a failed completion call. Detail holds the provider's
// own error text unchanged so it can be shown to clients verbatim.
type UpstreamError struct {
	Provider string
	Model    string
	Detail   string
	Err      error
}

func (e *UpstreamError) Error() string {
	return e.Detail
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func upstreamError(provider, modelName string, err error) *UpstreamError {
	return &UpstreamError{Provider: provider, Model: modelName, Detail: err.Error(), Err: err}
}

func upstreamErrorf(provider, modelName, format string, args ...any) *UpstreamError {
	return upstreamError(provider, modelName, fmt.Errorf(format, args...))
}
