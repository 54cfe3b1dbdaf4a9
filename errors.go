package usbtmc

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the package. Callers match these with errors.Is;
// most errors returned by Device methods wrap one of them with context.
var (
	ErrNotFound     = errors.New("no matching device")
	ErrAccessDenied = errors.New("access denied")
	ErrNotUSBTMC    = errors.New("device has no USBTMC interface")
	ErrBusy         = errors.New("operation already in progress")
	ErrTimeout      = errors.New("transfer timed out")
	ErrProtocol     = errors.New("protocol violation")
	ErrStatusFailed = errors.New("device status request failed")
	ErrHalted       = errors.New("interface halted, clear required")
	ErrCancelled    = errors.New("operation cancelled")
	ErrUnsupported  = errors.New("not supported by device")
	ErrClosed       = errors.New("device closed")
)

// ProtocolError reports a malformed or out-of-sequence bulk header. The
// offending header bytes are carried so callers can log the raw transfer.
type ProtocolError struct {
	Reason string
	Header []byte
}

func (e *ProtocolError) Error() string {
	if len(e.Header) > 0 {
		return fmt.Sprintf("protocol violation: %s (header % x)", e.Reason, e.Header)
	}
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

func protocolErrorf(header []byte, format string, args ...interface{}) error {
	var hdr []byte
	if len(header) > headerSize {
		header = header[:headerSize]
	}
	hdr = append(hdr, header...)
	return &ProtocolError{Reason: fmt.Sprintf(format, args...), Header: hdr}
}

// StatusError reports a class-specific control request that completed with
// a USBTMC_status other than SUCCESS.
type StatusError struct {
	Request controlRequest
	Status  controlStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %s", e.Request, e.Status)
}

func (e *StatusError) Unwrap() error { return ErrStatusFailed }
