package modbus

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transport failures
type ErrorKind int

const (
	// KindProtocol is a malformed or unexpected frame; safe to retry immediately
	KindProtocol ErrorKind = iota + 1
	// KindTimeout means the full response did not arrive within the read timeout
	KindTimeout
	// KindLinkDown means the serial link is unusable and could not be reopened
	KindLinkDown
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTimeout:
		return "timeout"
	case KindLinkDown:
		return "link_down"
	default:
		return "unknown"
	}
}

// TransportError is returned by every failed read
type TransportError struct {
	Kind          ErrorKind
	Reason        string
	ExceptionCode byte // set for Modbus exception responses
	Err           error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("modbus %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("modbus %s: %s", e.Kind, e.Reason)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a TransportError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == kind
}

func protocolErrorf(format string, args ...any) *TransportError {
	return &TransportError{Kind: KindProtocol, Reason: fmt.Sprintf(format, args...)}
}

// linkError marks an I/O failure on the port. It never leaves the package: the
// transport turns it into a reopen, and into KindLinkDown if that fails.
type linkError struct {
	op  string
	err error
}

func (e *linkError) Error() string {
	return fmt.Sprintf("serial %s: %v", e.op, e.err)
}

func (e *linkError) Unwrap() error {
	return e.err
}
