package state

import "errors"

var (
	// ErrNotFound is returned by update operations whose target record does
	// not exist. Read operations report absence with a bool instead.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateRun is returned by CreateRun when a run with the same
	// (dag_id, run_id) already exists.
	ErrDuplicateRun = errors.New("duplicate run")
)
