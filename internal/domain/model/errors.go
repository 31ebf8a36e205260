package model

import (
	"context"
	"errors"
	"fmt"
)

// ValidationError rejects a request before any task is created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// ResolutionError reports an unknown or mismatched model/provider pair.
// It carries the values the caller originally asked for.
type ResolutionError struct {
	RequestedModelID  string
	RequestedProvider string
	Provider          ProviderID
	ModelID           string
	Reason            string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve model %q / provider %q (resolved %s/%s): %s",
		e.RequestedModelID, e.RequestedProvider, e.Provider, e.ModelID, e.Reason)
}

// BackendErrorKind classifies a failed model call.
type BackendErrorKind string

const (
	KindTimeout   BackendErrorKind = "timeout"
	KindCanceled  BackendErrorKind = "canceled"
	KindAuth      BackendErrorKind = "auth"
	KindQuota     BackendErrorKind = "quota"
	KindMalformed BackendErrorKind = "malformed"
	KindUpstream  BackendErrorKind = "upstream"
	KindUnknown   BackendErrorKind = "unknown"
)

// KindCarrier is implemented by transport errors that know their own kind.
type KindCarrier interface {
	BackendKind() BackendErrorKind
}

// BackendError is a model call failure, always handled inside a task.
type BackendError struct {
	Kind     BackendErrorKind
	Provider ProviderID
	ModelID  string
	Err      error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s/%s %s: %v", e.Provider, e.ModelID, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// AsBackendError wraps err as a BackendError for target, classifying it
// when it is not one already.
func AsBackendError(err error, target ResolvedTarget) *BackendError {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}
	return &BackendError{
		Kind:     classify(err),
		Provider: target.Provider(),
		ModelID:  target.ModelID(),
		Err:      err,
	}
}

func classify(err error) BackendErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	var kc KindCarrier
	if errors.As(err, &kc) {
		return kc.BackendKind()
	}
	return KindUnknown
}
