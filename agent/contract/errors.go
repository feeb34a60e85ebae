package contract

import (
	"errors"
	"fmt"
)

// Errors a tool call can produce that are reported back to the model as a tool error;
// the turn continues.
var (
	ErrUnknownTool           = errors.New("unknown tool")
	ErrInvalidArguments      = errors.New("invalid tool arguments")
	ErrMissingIdempotencyKey = errors.New("mutating tool call requires an idempotency key")
	ErrToolTimeout           = errors.New("tool call timed out")
)

// Errors that end the turn.
var (
	ErrToolLoopExceeded = errors.New("tool loop exceeded round limit")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrModerated        = errors.New("message rejected by moderation")
)

// IsRecoverable reports whether err is fed back to the model instead of failing the turn.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrUnknownTool) ||
		errors.Is(err, ErrInvalidArguments) ||
		errors.Is(err, ErrMissingIdempotencyKey) ||
		errors.Is(err, ErrToolTimeout)
}

// TurnErrorKind classifies a failed turn for the transport layer.
type TurnErrorKind string

const (
	TurnInvalidInput     TurnErrorKind = "invalid_input"
	TurnCustomerNotFound TurnErrorKind = "customer_not_found"
	TurnModelUnavailable TurnErrorKind = "model_unavailable"
	TurnLoopExceeded     TurnErrorKind = "loop_exceeded"
	TurnStoreUnavailable TurnErrorKind = "store_unavailable"
	TurnCanceled         TurnErrorKind = "canceled"
	TurnInternal         TurnErrorKind = "internal"
)

type TurnError struct {
	Kind TurnErrorKind
	Err  error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed (%s): %v", e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}
