package backend

import "fmt"

// TransientError wraps a timeout or connection failure. The caller retries
// with backoff (the HTTP client short-term, the outbox long-term); it is
// never surfaced to the user beyond a passive unsynced indicator.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("backend: transient failure in %s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// NotFoundError is returned when a read-back after a reported-successful
// write does not find the row. The outbox treats it as a verification
// mismatch and re-queues the mutation.
type NotFoundError struct {
	CanvasID string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("backend: element %s not found on canvas %s", e.ID, e.CanvasID)
}

// ErrCircuitOpen is returned without touching the network when the breaker
// has tripped. Not retried by the short-term policy; the outbox will come
// back later.
type ErrCircuitOpen struct {
	Endpoint string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("backend: circuit open for %s", e.Endpoint)
}

// StatusError is returned for non-2xx responses that are neither transient
// nor a missing row (e.g. a validation reject).
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s returned status %d", e.Op, e.Status)
}
