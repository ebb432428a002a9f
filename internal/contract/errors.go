package contract

import (
	"errors"

	"worklog/internal/query"
)

var (
	ErrUnknownOperation = errors.New("no contract function with that name")
	ErrInvalidArgs      = errors.New("invalid contract arguments")
	ErrWrongContract    = errors.New("invocation targets another contract")
)

// Status is the transport-neutral outcome class of an invocation.
type Status int

const (
	StatusOK Status = iota
	StatusBadRequest
	StatusNotFound
	StatusInternal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusBadRequest:
		return "bad_request"
	case StatusNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// StatusOf classifies an invocation error for the transports.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, query.ErrInvalidSelector),
		errors.Is(err, ErrInvalidArgs),
		errors.Is(err, ErrUnknownOperation),
		errors.Is(err, ErrWrongContract):
		return StatusBadRequest
	case errors.Is(err, query.ErrNotFound):
		return StatusNotFound
	default:
		return StatusInternal
	}
}
