package query

import "errors"

var (
	// ErrInvalidSelector is returned before any store access when selector
	// text is malformed or lacks a non-empty docType.
	ErrInvalidSelector = errors.New("invalid selector")
	// ErrNotFound is a definitive miss on a point lookup.
	ErrNotFound = errors.New("record not found")
	// ErrStoreIteration wraps faults reported by the store while opening or
	// walking a history iterator.
	ErrStoreIteration = errors.New("store iteration failed")
)
