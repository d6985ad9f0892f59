package graph

import "errors"

// Error taxonomy shared by every layer. Callers wrap these with context and
// test with errors.Is.
var (
	// ErrNotFound: an unknown node or edge id was referenced.
	ErrNotFound = errors.New("not found")
	// ErrValidation: the request is malformed (empty content, keeper listed
	// among merge ids, illegal state transition).
	ErrValidation = errors.New("validation error")
	// ErrDependencyUnavailable: an embedding, extraction or language-model
	// backend was unreachable, timed out, or is behind an open breaker.
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)
