package hostcall

import "fmt"

// ErrServiceNotFound is returned when Call targets a service with no handler.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("hostcall: service not registered: %s", e.Service)
}

// ErrPanic wraps a recovered panic value as an error.
type ErrPanic struct {
	Service string
	Value   any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("hostcall: handler panicked: %v", e.Value)
}
