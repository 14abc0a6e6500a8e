package mcts

import (
	"errors"
	"fmt"
)

// ErrSearchFailed matches every error returned by Plan.
var ErrSearchFailed = errors.New("search failed")

// SearchError carries the cause of an aborted plan.
type SearchError struct {
	Turn int
	Err  error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search failed at turn %d: %v", e.Turn, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

func (e *SearchError) Is(target error) bool { return target == ErrSearchFailed }

// fail builds the error returned by Plan. Builds tagged tiedebug panic
// instead so the broken state is caught where it happened.
func fail(turn int, err error) error {
	serr := &SearchError{Turn: turn, Err: err}
	if debugInvariants {
		panic(serr)
	}
	return serr
}
