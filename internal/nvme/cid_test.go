package nvme

import "testing"

func TestIsValidCIDFirstSeen(t *testing.T) {
	v := NewCIDValidator()
	if !v.IsValidCID(1, 0) {
		t.Error("expected first CID on an unseen SQ to be accepted")
	}
	if v.Outstanding(0) != 1 {
		t.Errorf("expected 1 outstanding CID, got %d", v.Outstanding(0))
	}
}

func TestIsValidCIDDuplicateRejected(t *testing.T) {
	v := NewCIDValidator()
	v.IsValidCID(1, 0)
	if v.IsValidCID(1, 0) {
		t.Error("expected duplicate CID on the same SQ to be rejected")
	}
}

func TestIsValidCIDIndependentPerQueue(t *testing.T) {
	v := NewCIDValidator()
	v.IsValidCID(1, 0)
	if !v.IsValidCID(1, 1) {
		t.Error("expected the same CID to be valid on a different SQ")
	}
}

func TestIsValidCIDSaturationClears(t *testing.T) {
	v := NewCIDValidator()
	set := v.outstanding[0]
	if set == nil {
		v.outstanding[0] = make(map[uint16]struct{})
	}
	// Simulate saturation directly rather than inserting 65536 CIDs.
	for i := 0; i < MaxCID; i++ {
		v.outstanding[0][uint16(i)] = struct{}{}
	}
	if v.Outstanding(0) != MaxCID {
		t.Fatalf("setup failed: expected %d outstanding, got %d", MaxCID, v.Outstanding(0))
	}

	if !v.IsValidCID(0, 0) {
		t.Fatal("expected saturated set to accept the next CID after clearing")
	}
	if v.Outstanding(0) != 1 {
		t.Errorf("expected cardinality to drop to 1 after saturation clear, got %d", v.Outstanding(0))
	}
}

func TestResetClearsAllQueues(t *testing.T) {
	v := NewCIDValidator()
	v.IsValidCID(1, 0)
	v.IsValidCID(2, 1)
	v.Reset()

	if v.Outstanding(0) != 0 || v.Outstanding(1) != 0 {
		t.Error("expected Reset to clear every queue's outstanding set")
	}
	if !v.IsValidCID(1, 0) {
		t.Error("expected CID 1 to be accepted again on SQ 0 after reset")
	}
}

func TestDropQueue(t *testing.T) {
	v := NewCIDValidator()
	v.IsValidCID(5, 2)
	v.DropQueue(2)
	if v.Outstanding(2) != 0 {
		t.Error("expected DropQueue to remove the queue's outstanding set")
	}
}
