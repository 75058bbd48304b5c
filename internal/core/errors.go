package core

import (
	"errors"
	"fmt"
)

var (
	ErrTransport     = errors.New("transport error")
	ErrStructural    = errors.New("structural error")
	ErrConfiguration = errors.New("configuration error")
)

// TransportError is a failed request: a connection failure or a non-2xx
// response. StatusCode is zero when no response was received.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// StructuralError means upstream data did not have the shape we expect.
// Subject names the file, member or column involved.
type StructuralError struct {
	Op       string
	Subject  string
	Expected string
	Actual   string
	Err      error
}

func (e *StructuralError) Error() string {
	msg := fmt.Sprintf("%s %q", e.Op, e.Subject)
	if e.Expected != "" {
		msg += ": expected " + e.Expected
	}
	if e.Actual != "" {
		msg += ", got " + e.Actual
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StructuralError) Unwrap() error { return e.Err }

func (e *StructuralError) Is(target error) bool { return target == ErrStructural }

type ConfigurationError struct {
	Key string
	Msg string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %q: %s", e.Key, e.Msg)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }
