package httpx

import (
	"errors"
	"fmt"

	"dqx0.com/go/niohttp/httpx/internal/http1"
)

var (
	ErrBadRequest        = errors.New("httpx: bad request")
	ErrHeaderTooLarge    = errors.New("httpx: header too large")
	ErrBodyTooLarge      = errors.New("httpx: body too large")
	ErrTimeout           = errors.New("httpx: timeout")
	ErrProtocolViolation = errors.New("httpx: protocol violation")
	ErrConnectionClosed  = errors.New("httpx: connection closed")
	ErrNotActive         = errors.New("httpx: not active")
	ErrResponseSubmitted = errors.New("httpx: response already submitted")
	ErrEntityClosed      = errors.New("httpx: entity closed")
	ErrCircuitOpen       = errors.New("httpx: circuit open")
	ErrNoRequest         = errors.New("httpx: work produced no request")
)

// ConnectivityError reports an I/O level failure: the peer went away, a
// socket call failed or a timeout expired.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("httpx: %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ProtocolError reports malformed or unsupported HTTP. Status is the code a
// server answers with.
type ProtocolError struct {
	Status int
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("httpx: protocol error (%d): %v", e.Status, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// HandlerError wraps a failure raised by application code.
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("httpx: handler: %v", e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// protocolError classifies a codec failure and picks the status to answer with.
func protocolError(err error) *ProtocolError {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe
	}
	status := 400
	switch {
	case errors.Is(err, http1.ErrLineTooLong), errors.Is(err, http1.ErrTooManyHeaders):
		status = 431
		err = fmt.Errorf("%w: %w", ErrHeaderTooLarge, err)
	case errors.Is(err, http1.ErrLengthRequired):
		status = 411
	case errors.Is(err, ErrBodyTooLarge):
		status = 413
	case errors.Is(err, http1.ErrUnsupportedCoding):
		status = 501
	case errors.Is(err, http1.ErrUnsupportedVersion):
		status = 505
	default:
		err = fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return &ProtocolError{Status: status, Err: err}
}

func connectivityError(op string, err error) error {
	if err == nil {
		err = ErrConnectionClosed
	}
	var ce *ConnectivityError
	var pe *ProtocolError
	var he *HandlerError
	if errors.As(err, &ce) || errors.As(err, &pe) || errors.As(err, &he) {
		return err
	}
	return &ConnectivityError{Op: op, Err: err}
}
