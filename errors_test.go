package nvmeemu

import (
	"errors"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("CHECK_FOR_CHANGES", ErrCodeInvalidParameters, "invalid queue depth")

	if err.Op != "CHECK_FOR_CHANGES" {
		t.Errorf("Expected Op=CHECK_FOR_CHANGES, got %s", err.Op)
	}

	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	expected := "nvme-emu: invalid queue depth (op=CHECK_FOR_CHANGES)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestWrapError(t *testing.T) {
	inner := errors.New("boom")
	err := WrapError("POST_COMPLETION", inner)

	if err.Code != ErrCodeInvalidParameters {
		t.Errorf("Expected Code=ErrCodeInvalidParameters, got %s", err.Code)
	}

	if !errors.Is(err, inner) {
		t.Error("Expected wrapped error to satisfy errors.Is for the inner error")
	}
}

func TestSentinelErrors(t *testing.T) {
	structuredErr := &Error{Code: ErrCodeQueueNotFound, Queue: -1}

	if !errors.Is(structuredErr, ErrQueueNotFound) {
		t.Error("Structured error should match sentinel via errors.Is")
	}

	if ErrQueueNotFound.Error() != "nvme-emu: queue not found" {
		t.Errorf("Expected sentinel error message, got %q", ErrQueueNotFound.Error())
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("TEST", ErrCodeInvalidOpcode, "bad opcode")

	if !IsCode(err, ErrCodeInvalidOpcode) {
		t.Error("IsCode should return true for matching code")
	}

	if IsCode(err, ErrCodeInvalidField) {
		t.Error("IsCode should return false for non-matching code")
	}

	if IsCode(nil, ErrCodeInvalidOpcode) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestCommandErrorCarriesStatus(t *testing.T) {
	err := NewCommandError("DRAIN_SQ", 0, ErrCodeCommandIDConflict, StatusCode{SCT: 0, SC: 0x81, DNR: true}, "duplicate cid")

	if err.NVMeStatus == nil {
		t.Fatal("expected NVMeStatus to be set")
	}
	if err.NVMeStatus.SC != 0x81 || !err.NVMeStatus.DNR {
		t.Errorf("unexpected status: %+v", err.NVMeStatus)
	}
}
