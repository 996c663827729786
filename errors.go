package plexus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// ErrConnection is a transport-level failure: refused, unreachable, DNS,
// timeout, or an aborted request. Connection errors are retryable; a
// queue-enabled destination transitions to QUEUED instead of ERROR.
type ErrConnection struct {
	Op  string
	Err error
}

func (e *ErrConnection) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ErrConnection) Unwrap() error { return e.Err }

// ErrApplication is a structured negative response from the remote
// application: SOAP fault, HL7 NAK, or an HTTP failure status. Never
// retryable, even on a queue-enabled destination.
type ErrApplication struct {
	Kind    string // "soap-fault", "nak", "http"
	Status  int    // HTTP status when applicable
	Message string
}

func (e *ErrApplication) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ErrValidation is an unparseable message or data-type mismatch on the
// consuming connector.
type ErrValidation struct {
	DataType string
	Err      error
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("%s validation: %v", e.DataType, e.Err)
}

func (e *ErrValidation) Unwrap() error { return e.Err }

// ErrScript is a failure thrown by a user-supplied filter, transformer,
// preprocessor, or postprocessor script.
type ErrScript struct {
	Stage string // "filter", "transformer", "preprocessor", ...
	Err   error
}

func (e *ErrScript) Error() string {
	return fmt.Sprintf("%s script: %v", e.Stage, e.Err)
}

func (e *ErrScript) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a connection-class failure that a
// queue-enabled destination should retry. Application negatives and script
// errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var app *ErrApplication
	if errors.As(err, &app) {
		return false
	}
	var conn *ErrConnection
	if errors.As(err, &conn) {
		return true
	}
	return isTransportErr(err)
}

// isTransportErr recognizes raw network failures that were not already
// classified by a connector.
func isTransportErr(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dns *net.DNSError
	if errors.As(err, &dns) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	return false
}

// Classify wraps err as an ErrConnection when it looks like a transport
// failure and is not already classified. Other errors pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var conn *ErrConnection
	var app *ErrApplication
	if errors.As(err, &conn) || errors.As(err, &app) {
		return err
	}
	if isTransportErr(err) {
		return &ErrConnection{Op: op, Err: err}
	}
	return err
}
