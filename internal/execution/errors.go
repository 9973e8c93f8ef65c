package execution

import (
	"errors"
	"fmt"
)

// TransportError marks a probe or start call that failed before the remote
// could give a verdict: network errors, rate limiting, 5xx responses. Jobs
// are never failed on a transport error; the next cycle retries.
type TransportError struct {
	Op     string
	Server string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Server, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// RunFailure is an explicit rejection from the remote: the run itself is bad
// (invalid script, no data, remote-side abort), so the job transitions to
// FAILED.
type RunFailure struct {
	Server  string
	Message string
}

func (e *RunFailure) Error() string {
	return fmt.Sprintf("run failed on %s: %s", e.Server, e.Message)
}
