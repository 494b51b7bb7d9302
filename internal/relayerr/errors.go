// Package relayerr holds the failure types shared by the codec, the
// backend connection and the session layer.
//
// Fatal failures (connection, protocol, write) end a session. Invalid
// garment ids and undecodable client messages are local and leave the
// session running.
package relayerr

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrClosed         = errors.New("backend connection closed")
	ErrReadTimeout    = errors.New("backend reply timed out")
	ErrTooManySkipped = errors.New("too many command messages while waiting for a frame reply")
)

// ── Structured error types ───────────────────────────────────────────

// ConnectionError means the backend could not be reached.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError covers truncated streams, bad headers and oversized
// replies. Op is "read", "header" or "payload".
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// WriteError means the backend socket broke mid-send.
type WriteError struct {
	Addr string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Addr, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// InvalidGarmentError rejects an id outside the catalog.
type InvalidGarmentError struct {
	ID    int
	Count int
}

func (e *InvalidGarmentError) Error() string {
	return fmt.Sprintf("garment id %d out of range [0,%d)", e.ID, e.Count)
}

// DecodeError marks a single client message that could not be decoded.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode: " + e.Reason
	}
	return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ── Constructors ─────────────────────────────────────────────────────

// Protocol wraps err as a ProtocolError unless it already is one.
func Protocol(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return &ProtocolError{Op: op, Err: err}
}

// Decode builds a DecodeError.
func Decode(reason string, err error) error {
	return &DecodeError{Reason: reason, Err: err}
}

// ── Classification helpers ───────────────────────────────────────────

// IsFatal reports whether err must terminate the owning session.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var (
		ge *InvalidGarmentError
		de *DecodeError
	)
	if errors.As(err, &ge) || errors.As(err, &de) {
		return false
	}
	return true
}

// IsTimeout reports whether err came from a deadline on the backend socket.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrReadTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Kind returns a short label for metrics and logs.
func Kind(err error) string {
	var (
		ce *ConnectionError
		pe *ProtocolError
		we *WriteError
		ge *InvalidGarmentError
		de *DecodeError
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &ce):
		return "connection"
	case errors.As(err, &we):
		return "write"
	case IsTimeout(err):
		return "timeout"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.As(err, &pe), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "protocol"
	case errors.As(err, &ge):
		return "invalid_garment"
	case errors.As(err, &de):
		return "decode"
	default:
		return "other"
	}
}
