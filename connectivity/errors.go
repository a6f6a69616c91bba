package connectivity

import "fmt"

// ErrActionNotFound is returned when Call targets an action with no route
// and no local handler.
type ErrActionNotFound struct {
	Action string
}

func (e *ErrActionNotFound) Error() string {
	return fmt.Sprintf("connectivity: action not routable: %s", e.Action)
}

// ErrCircuitOpen is returned when the circuit breaker for an action is open,
// rejecting the call without attempting the remote handler.
type ErrCircuitOpen struct {
	Action string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Action)
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return "connectivity: handler panicked"
}
