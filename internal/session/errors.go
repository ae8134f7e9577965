package session

import "fmt"

// DriverInitError means the browser could not be started. The session ends
// without teardown since no driver exists.
type DriverInitError struct {
	Err error
}

func (e *DriverInitError) Error() string {
	return fmt.Sprintf("driver init failed: %v", e.Err)
}

func (e *DriverInitError) Unwrap() error { return e.Err }

// NavigationError means the search page did not load within its bound after
// all attempts.
type NavigationError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// TeardownError is a failure while closing or quitting the driver. It is
// reported as a status message and never replaces the session's outcome.
type TeardownError struct {
	Op  string // "close" or "quit"
	Err error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("driver %s failed: %v", e.Op, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }
