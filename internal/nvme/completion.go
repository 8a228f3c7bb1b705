package nvme

import (
	"fmt"

	"github.com/qdepth/nvme-emu/internal/hostmem"
)

// ErrAssertion signals an internal invariant violation — e.g. a
// completion queue slot that does not fit in the ring's remaining
// memory. The core treats this as an AssertionFailure (§7): fatal in
// debug builds, logged-and-aborted in release.
var ErrAssertion = fmt.Errorf("nvme: assertion failure")

// ErrMissingCompletionPair is returned when a completion is posted
// against a completion queue with no paired submission queue yet.
var ErrMissingCompletionPair = fmt.Errorf("nvme: missing completion pair")

// Doorbells is the subset of the Controller Registers collaborator the
// completion producer and drain loop need: reading a submission
// queue's host-advanced tail, and writing a completion queue's
// device-advanced head back for the host to observe.
type Doorbells interface {
	ReadSQTail(queueID uint16) uint16
	WriteCQHead(queueID uint16, value uint16)
}

// CompletionProducer serializes completion entries into their paired
// completion queue with correct phase-tag toggling, per §4.4.
type CompletionProducer struct {
	mem       hostmem.Memory
	doorbells Doorbells
	phaseTags map[uint16]bool
}

// NewCompletionProducer creates a producer writing into mem and
// signalling doorbells.
func NewCompletionProducer(mem hostmem.Memory, doorbells Doorbells) *CompletionProducer {
	return &CompletionProducer{
		mem:       mem,
		doorbells: doorbells,
		phaseTags: make(map[uint16]bool),
	}
}

// PostCompletion composes and delivers a completion into cq, per the
// five steps of §4.4. sqHeadAtConsumption is the SQ head once the
// command has been consumed: the engine passes the head after this
// command's own slot has been advanced past, so the first command on a
// fresh queue reports SQHD=1. Returns
// whether the completion queue's phase tag flipped as part of this
// post.
func (p *CompletionProducer) PostCompletion(cq *Queue, entry CompletionEntry, cid uint16, sqHeadAtConsumption uint16) (phaseFlipped bool, err error) {
	sq := cq.Paired()
	if sq == nil {
		return false, ErrMissingCompletionPair
	}

	entry.SQID = sq.QueueID
	entry.SQHD = sqHeadAtConsumption
	entry.CID = cid

	tag := p.phaseTags[sq.QueueID]
	if cq.Head() == 0 {
		tag = !tag
		phaseFlipped = true
	}
	p.phaseTags[sq.QueueID] = tag
	entry.P = tag

	remaining := cq.SlotCount() - cq.Head()
	if remaining < 1 {
		return phaseFlipped, ErrAssertion
	}

	addr := cq.SlotAddress(cq.Head())
	if err := p.mem.WriteAt(MarshalCompletionEntry(&entry), addr); err != nil {
		return phaseFlipped, err
	}

	cq.AdvanceHead()
	p.doorbells.WriteCQHead(cq.QueueID, uint16(cq.Head()))

	return phaseFlipped, nil
}

// Reset clears every submission queue's phase-tag entry, per §4.5 E5.
func (p *CompletionProducer) Reset() {
	p.phaseTags = make(map[uint16]bool)
}

// DropQueue removes sqid's phase-tag entry, used when an I/O
// submission queue is deleted.
func (p *CompletionProducer) DropQueue(sqid uint16) {
	delete(p.phaseTags, sqid)
}
