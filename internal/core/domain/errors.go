package domain

import (
	"errors"
	"fmt"
)

// Dispatch error taxonomy. Transport errors put the job back to READY,
// everything else ends it in ERROR.
var (
	ErrTransportUnreachable = errors.New("TransportUnreachable")
	ErrTransportTimeout     = errors.New("TransportTimeout")
	ErrSolverRejected       = errors.New("SolverRejected")
	ErrMalformedResult      = errors.New("MalformedResult")
	ErrEncodingInvariant    = errors.New("EncodingInvariantViolation")
)

// End-user texts for failures whose detail stays in the logs
const (
	InternalErrorMessage   = "internal error while processing model run"
	MalformedResultMessage = "MalformedResult: the solver reply could not be read"
	EncodingMessage        = "EncodingInvariantViolation: the model run could not be encoded for the solver"
)

// SolverRejectedError carries the solver's own failure text
type SolverRejectedError struct {
	Message string
}

func (e *SolverRejectedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSolverRejected, e.Message)
}

func (e *SolverRejectedError) Unwrap() error {
	return ErrSolverRejected
}

// IsRetryable reports whether a dispatch failure should send the job back to READY
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransportUnreachable) || errors.Is(err, ErrTransportTimeout)
}

// StatusMessage renders the end-user text stored with a failed job. Solver
// rejections are passed through verbatim; every other failure maps to a fixed
// text so addresses, sizes and catalog details never reach users.
func StatusMessage(err error) string {
	var rejected *SolverRejectedError
	switch {
	case errors.As(err, &rejected):
		return rejected.Message
	case errors.Is(err, ErrMalformedResult):
		return MalformedResultMessage
	case errors.Is(err, ErrEncodingInvariant):
		return EncodingMessage
	default:
		return InternalErrorMessage
	}
}
