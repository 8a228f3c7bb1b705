package nvme

import "testing"

func TestNewQueueRejectsSmallSlotCount(t *testing.T) {
	if _, err := NewQueue(KindSubmission, 0, 1, 0x1000); err != ErrInvalidQueueSize {
		t.Errorf("expected ErrInvalidQueueSize, got %v", err)
	}
}

func TestQueueConstruct(t *testing.T) {
	q, err := NewQueue(KindSubmission, 0, 16, 0x1000)
	if err != nil {
		t.Fatalf("NewQueue failed: %v", err)
	}
	if q.Head() != 0 || q.Tail() != 0 {
		t.Errorf("expected head=tail=0, got head=%d tail=%d", q.Head(), q.Tail())
	}
	if q.MemorySize() != 16*SubmissionEntrySize {
		t.Errorf("unexpected memory size: %d", q.MemorySize())
	}
}

func TestSetTailPointerRejectsOutOfRange(t *testing.T) {
	q, _ := NewQueue(KindSubmission, 0, 16, 0x1000)
	if q.SetTailPointer(16) {
		t.Error("expected SetTailPointer(16) to fail for a 16-slot queue")
	}
	if q.Tail() != 0 {
		t.Error("rejected SetTailPointer must not mutate tail")
	}
	if !q.SetTailPointer(15) {
		t.Error("expected SetTailPointer(15) to succeed")
	}
}

func TestAdvanceHeadTowardTailWrapsAndIsIdempotent(t *testing.T) {
	q, _ := NewQueue(KindSubmission, 0, 4, 0x1000)
	q.SetTailPointer(0)

	q.AdvanceHeadTowardTail() // head==tail==0, no-op
	if q.Head() != 0 {
		t.Errorf("expected head unchanged at 0, got %d", q.Head())
	}

	q.SetTailPointer(2)
	q.AdvanceHeadTowardTail()
	if q.Head() != 1 {
		t.Errorf("expected head=1, got %d", q.Head())
	}
}

func TestPairAndUnpair(t *testing.T) {
	sq, _ := NewQueue(KindSubmission, 0, 16, 0x1000)
	cq, _ := NewQueue(KindCompletion, 0, 16, 0x2000)

	Pair(sq, cq)
	if sq.Paired() != cq || cq.Paired() != sq {
		t.Fatal("expected consistent bidirectional pairing")
	}

	Unpair(sq)
	if sq.Paired() != nil || cq.Paired() != nil {
		t.Error("expected both endpoints cleared after Unpair")
	}
}

func TestSlotAddress(t *testing.T) {
	q, _ := NewQueue(KindCompletion, 0, 16, 0x2000)
	if got := q.SlotAddress(1); got != 0x2000+CompletionEntrySize {
		t.Errorf("SlotAddress(1) = 0x%x, want 0x%x", got, 0x2000+CompletionEntrySize)
	}
}
