package nvmeemu

import (
	"errors"
	"fmt"
)

// Error represents a structured nvme-emu error with controller/queue
// context and, for per-command failures, the wire status that should be
// echoed back to the host in the completion entry.
type Error struct {
	Op         string        // Operation that failed (e.g. "CHECK_FOR_CHANGES", "POST_COMPLETION")
	Controller string        // Controller identifier ("" if not applicable)
	Queue      int           // Queue id (-1 if not applicable)
	Code       NVMeErrorCode // High-level error category
	NVMeStatus *StatusCode   // Wire status for per-command errors (nil for structural errors)
	Msg        string        // Human-readable message
	Inner      error         // Wrapped error
}

// StatusCode is the decomposed NVMe completion status: status code type,
// status code, and the do-not-retry bit.
type StatusCode struct {
	SCT uint8
	SC  uint8
	DNR bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Controller != "" {
		parts = append(parts, fmt.Sprintf("controller=%s", e.Controller))
	}

	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("nvme-emu: %s (%s)", msg, parts[0])
	}

	return fmt.Sprintf("nvme-emu: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for sentinel-error comparison by code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if se, ok := target.(sentinelError); ok {
		return e.Code == NVMeErrorCode(se)
	}

	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// NVMeErrorCode represents high-level error categories, matching the
// error-kind table in the completion-producer/controller-engine design.
type NVMeErrorCode string

const (
	ErrCodeInvalidTailPointer      NVMeErrorCode = "invalid tail pointer"
	ErrCodeCommandIDConflict       NVMeErrorCode = "command id conflict"
	ErrCodeInvalidOpcode           NVMeErrorCode = "invalid command opcode"
	ErrCodeMissingCompletionPair   NVMeErrorCode = "missing completion pair"
	ErrCodeControllerRegistersLost NVMeErrorCode = "controller registers lost"
	ErrCodeAssertionFailure        NVMeErrorCode = "assertion failure"
	ErrCodeInvalidField            NVMeErrorCode = "invalid field"
	ErrCodeInvalidPRP              NVMeErrorCode = "invalid prp"
	ErrCodeInvalidParameters       NVMeErrorCode = "invalid parameters"
	ErrCodeQueueNotFound           NVMeErrorCode = "queue not found"
	ErrCodeQueueExists             NVMeErrorCode = "queue already exists"
	ErrCodeClosed                  NVMeErrorCode = "controller closed"
)

// sentinelError lets package-level sentinels (below) compare equal to a
// *Error of matching code via errors.Is, without exporting a second
// concrete error type.
type sentinelError NVMeErrorCode

func (e sentinelError) Error() string { return "nvme-emu: " + string(e) }

// Sentinel errors usable with errors.Is against any *Error of the same code.
var (
	ErrQueueNotFound     error = sentinelError(ErrCodeQueueNotFound)
	ErrQueueExists       error = sentinelError(ErrCodeQueueExists)
	ErrInvalidParameters error = sentinelError(ErrCodeInvalidParameters)
	ErrClosed            error = sentinelError(ErrCodeClosed)
)

// Error constructors.

// NewError creates a new structured error with no wire status attached.
func NewError(op string, code NVMeErrorCode, msg string) *Error {
	return &Error{Op: op, Queue: -1, Code: code, Msg: msg}
}

// NewQueueError creates a new queue-scoped structured error.
func NewQueueError(op string, queue int, code NVMeErrorCode, msg string) *Error {
	return &Error{Op: op, Queue: queue, Code: code, Msg: msg}
}

// NewCommandError creates a structured error carrying the wire status a
// completion producer should echo back to the host for this command.
func NewCommandError(op string, queue int, code NVMeErrorCode, status StatusCode, msg string) *Error {
	return &Error{Op: op, Queue: queue, Code: code, NVMeStatus: &status, Msg: msg}
}

// WrapError wraps an existing error with nvme-emu context, preserving a
// wrapped *Error's fields under a new operation name.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ne, ok := inner.(*Error); ok {
		return &Error{
			Op:         op,
			Controller: ne.Controller,
			Queue:      ne.Queue,
			Code:       ne.Code,
			NVMeStatus: ne.NVMeStatus,
			Msg:        ne.Msg,
			Inner:      ne.Inner,
		}
	}

	return &Error{Op: op, Queue: -1, Code: ErrCodeInvalidParameters, Msg: inner.Error(), Inner: inner}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code NVMeErrorCode) bool {
	var nErr *Error
	if errors.As(err, &nErr) {
		return nErr.Code == code
	}
	return false
}
