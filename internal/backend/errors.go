package backend

import "errors"

// Sentinel errors for the backend package.
var (
	// ErrNoActiveSession is returned when the debuggee is not suspended or
	// the debug session has ended. Callers should show an empty state, not
	// an error banner.
	ErrNoActiveSession = errors.New("no active debug session")

	// ErrEvaluation is returned when the adapter rejected an expression.
	// The wrapped text carries the adapter's own message.
	ErrEvaluation = errors.New("evaluation failed")

	// ErrDecode is returned when a backend rendering could not be
	// interpreted. Callers should fall back to the raw text.
	ErrDecode = errors.New("could not decode value")
)
