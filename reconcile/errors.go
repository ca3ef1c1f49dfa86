package reconcile

import "fmt"

// OpenError reports that a session could not be created.
type OpenError struct {
	Reason string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("reconcile: cannot open session: %s", e.Reason)
}

// ClosedError is returned by mutating calls on a closed session.
type ClosedError struct {
	CanvasID string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("reconcile: session for canvas %s is closed", e.CanvasID)
}
