package agent

import "errors"

// ErrNotSupported mirrors the teacher's agents.ErrNotSupported: returned when
// an adapter does not implement an optional capability.
var ErrNotSupported = errors.New("agent: not supported by this adapter")

// ClassifiedError is the C4/C13/§7.3 "agent protocol" error shape: adapters
// classify failures so callers (C12's retry, C13's error translation) can
// decide policy without parsing free-form text.
type ClassifiedError struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Retryable     bool   `json:"retryable"`
	NeedsReset    bool   `json:"needs_reset"`
	OriginalError string `json:"original_error,omitempty"`
}

func (e *ClassifiedError) Error() string { return e.Message }

// Classify maps a raw adapter error into a ClassifiedError. Unknown errors
// default to non-retryable without a reset requirement; callers that know
// more about the failure (timeouts, broken pipe) should construct a
// ClassifiedError directly instead of going through Classify.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*ClassifiedError); ok {
		return ce
	}
	return &ClassifiedError{
		Code:          "agent_error",
		Message:       err.Error(),
		Retryable:     false,
		NeedsReset:    false,
		OriginalError: err.Error(),
	}
}
