package nvme

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qdepth/nvme-emu/internal/hostmem"
	"github.com/qdepth/nvme-emu/internal/logging"
)

// ErrControllerRegistersLost is returned by CheckForChanges when the
// Memory Page Size collaborator reports zero mid-drain — the registers
// have been torn down out from under an in-flight tick.
var ErrControllerRegistersLost = fmt.Errorf("nvme: controller registers lost mid-drain")

// Registers is the Controller Registers collaborator contract the
// engine depends on (§6): readiness, page size, admin queue sizing and
// basing, the doorbell array, and the reset notification.
type Registers interface {
	Doorbells
	RDY() bool
	MemoryPageSize() uint32
	ASQSize() uint16
	ACQSize() uint16
	ASQBase() uint64
	ACQBase() uint64
	OnReset(func())
}

// CommandOutcome classifies one drained command for observability,
// independent of the wire status code posted in its completion.
type CommandOutcome int

const (
	OutcomeIdentify CommandOutcome = iota
	OutcomeKeepAlive
	OutcomeCreateIOSubmissionQueue
	OutcomeCreateIOCompletionQueue
	OutcomeDeleteIOSubmissionQueue
	OutcomeDeleteIOCompletionQueue
	OutcomeInvalidOpcode
	OutcomeCIDConflict
	OutcomeInvalidField
)

// Observer receives engine-level events. The root package adapts this
// to its own metrics sink; internal/nvme stays ignorant of how events
// are aggregated.
type Observer interface {
	ObserveTick(latencyNs int64, noop bool)
	ObserveCommand(outcome CommandOutcome)
	ObserveCompletion(phaseFlipped bool)
	ObserveReset()
	ObserveQueueDepth(depth int)
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveTick(int64, bool)      {}
func (NoOpObserver) ObserveCommand(CommandOutcome) {}
func (NoOpObserver) ObserveCompletion(bool)        {}
func (NoOpObserver) ObserveReset()                 {}
func (NoOpObserver) ObserveQueueDepth(int)          {}

var _ Observer = NoOpObserver{}

// Engine is the Controller Engine (§4.5): the long-running observer
// that watches doorbells, materializes admin/IO queues on demand,
// drains submission queues in round-robin order, dispatches by
// opcode, and handles controller reset.
type Engine struct {
	mu sync.Mutex

	mem       hostmem.Memory
	registers Registers
	resolver  Resolver

	cidValidator *CIDValidator
	completions  *CompletionProducer

	sqs []*Queue
	cqs []*Queue

	logger   *logging.Logger
	observer Observer

	pendingReset atomic.Bool

	flipMu sync.Mutex
	flipCh chan struct{}
}

// NewEngine constructs an engine over the given host memory and
// Controller Registers collaborator. It registers itself with
// registers.OnReset so a host-side CC.EN 1->0 write schedules a reset
// that the engine applies at the top of its next tick, per §5's
// serialize-with-the-worker requirement.
func NewEngine(mem hostmem.Memory, registers Registers, logger *logging.Logger, observer Observer) *Engine {
	if observer == nil {
		observer = NoOpObserver{}
	}
	e := &Engine{
		mem:          mem,
		registers:    registers,
		resolver:     NewResolver(mem),
		cidValidator: NewCIDValidator(),
		completions:  NewCompletionProducer(mem, registers),
		logger:       logger,
		observer:     observer,
		flipCh:       make(chan struct{}),
	}
	registers.OnReset(func() { e.pendingReset.Store(true) })
	return e
}

// CheckForChanges is the engine's central operation (§4.5 E1-E4), plus
// the reset path (E5) drained as a pending request rather than applied
// inline from whatever goroutine called registers.SetEnabled.
func (e *Engine) CheckForChanges() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pendingReset.Swap(false) {
		e.resetLocked()
	}

	// E1: readiness gate.
	if !e.registers.RDY() {
		return nil
	}

	// E2: admin submission queue materialization.
	if e.registers.ASQBase() == 0 {
		return nil
	}
	adminSQ := e.findSQLocked(AdminQueueID)
	if adminSQ == nil {
		slotCount := uint32(e.registers.ASQSize()) + 1
		q, err := NewQueue(KindSubmission, AdminQueueID, slotCount, e.registers.ASQBase())
		if err != nil {
			if e.logger != nil {
				e.logger.WithError(err).Error("failed to materialize admin submission queue")
			}
			return nil
		}
		adminSQ = q
		e.sqs = append(e.sqs, adminSQ)
	} else {
		adminSQ.SetMemoryAddress(e.registers.ASQBase())
	}

	// E3: admin completion queue materialization, symmetric with E2.
	if e.registers.ACQBase() == 0 {
		return nil
	}
	adminCQ := e.findCQLocked(AdminQueueID)
	if adminCQ == nil {
		slotCount := uint32(e.registers.ACQSize()) + 1
		q, err := NewQueue(KindCompletion, AdminQueueID, slotCount, e.registers.ACQBase())
		if err != nil {
			if e.logger != nil {
				e.logger.WithError(err).Error("failed to materialize admin completion queue")
			}
			return nil
		}
		adminCQ = q
		e.cqs = append(e.cqs, adminCQ)
		Pair(adminSQ, adminCQ)
	} else {
		adminCQ.SetMemoryAddress(e.registers.ACQBase())
	}

	// E4: drain loop, round-robin over a snapshot of the registry so a
	// queue created mid-tick is picked up on the following tick.
	snapshot := make([]*Queue, len(e.sqs))
	copy(snapshot, e.sqs)

	for _, sq := range snapshot {
		if err := e.drainOneLocked(sq); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) drainOneLocked(sq *Queue) error {
	newTail := uint32(e.registers.ReadSQTail(sq.QueueID))
	if newTail == sq.Tail() {
		return nil
	}

	if !sq.SetTailPointer(newTail) {
		if e.logger != nil {
			e.logger.WithQueue(sq.QueueID).Warn("host advanced SQ tail past slot_count", "tail", newTail)
		}
		return nil
	}

	if cq := sq.Paired(); cq != nil {
		cq.SetTailPointer(newTail)
	}

	for sq.Head() != sq.Tail() {
		head := sq.Head()

		buf := make([]byte, SubmissionEntrySize)
		if err := e.mem.ReadAt(buf, sq.SlotAddress(head)); err != nil {
			if e.logger != nil {
				e.logger.WithQueue(sq.QueueID).WithError(err).Error("failed to read submission entry")
			}
			return nil
		}
		var cmd SubmissionEntry
		if err := UnmarshalSubmissionEntry(buf, &cmd); err != nil {
			return nil
		}

		cq := sq.Paired()
		if cq == nil {
			if e.logger != nil {
				e.logger.WithQueue(sq.QueueID).Warn("submission queue has no paired completion queue yet, deferring drain")
			}
			return nil
		}

		var entry CompletionEntry
		var outcome CommandOutcome

		if !e.cidValidator.IsValidCID(cmd.CID, sq.QueueID) {
			entry = CompletionEntry{SCT: SCTGeneric, SC: SCCommandIDConflict, DNR: true}
			outcome = OutcomeCIDConflict
		} else {
			mps := e.registers.MemoryPageSize()
			if mps == 0 {
				if e.logger != nil {
					e.logger.Error("memory page size is zero mid-drain, aborting tick")
				}
				return ErrControllerRegistersLost
			}

			if sq.QueueID == AdminQueueID {
				entry, outcome = e.dispatchAdminLocked(&cmd, mps)
			} else {
				entry, outcome = dispatchIO(&cmd)
			}
		}

		sq.AdvanceHeadTowardTail()
		e.observer.ObserveCommand(outcome)

		flipped, err := e.completions.PostCompletion(cq, entry, cmd.CID, uint16(sq.Head()))
		if err != nil {
			if e.logger != nil {
				e.logger.WithQueue(sq.QueueID).WithError(err).Error("failed to post completion")
			}
			return nil
		}
		e.observer.ObserveCompletion(flipped)
	}

	return nil
}

// dispatchAdminLocked implements the admin opcode table of §4.5 E4 and
// the Create/Delete I/O queue opcodes of §4.6.
func (e *Engine) dispatchAdminLocked(cmd *SubmissionEntry, mps uint32) (CompletionEntry, CommandOutcome) {
	switch cmd.Opcode {
	case OpIdentify:
		return e.handleIdentifyLocked(cmd, mps), OutcomeIdentify
	case OpKeepAlive:
		return CompletionEntry{SCT: SCTGeneric, SC: SCSuccess}, OutcomeKeepAlive
	case OpCreateIOCompletionQueue:
		return e.handleCreateIOCQLocked(cmd), OutcomeCreateIOCompletionQueue
	case OpCreateIOSubmissionQueue:
		return e.handleCreateIOSQLocked(cmd), OutcomeCreateIOSubmissionQueue
	case OpDeleteIOSubmissionQueue:
		return e.handleDeleteIOSQLocked(cmd), OutcomeDeleteIOSubmissionQueue
	case OpDeleteIOCompletionQueue:
		return e.handleDeleteIOCQLocked(cmd), OutcomeDeleteIOCompletionQueue
	default:
		return CompletionEntry{SCT: SCTGeneric, SC: SCInvalidCommandOpcode, DNR: true}, OutcomeInvalidOpcode
	}
}

// dispatchIO implements the I/O SQ dispatch skeleton: full NVM command
// handling is out of core scope, so every I/O command is an Invalid
// Command Opcode completion.
func dispatchIO(cmd *SubmissionEntry) (CompletionEntry, CommandOutcome) {
	_ = cmd
	return CompletionEntry{SCT: SCTGeneric, SC: SCInvalidCommandOpcode, DNR: true}, OutcomeInvalidOpcode
}

func (e *Engine) handleIdentifyLocked(cmd *SubmissionEntry, mps uint32) CompletionEntry {
	handle, err := e.resolver.NewPRP(cmd.DPTR1, cmd.DPTR2, mps, mps)
	if err != nil {
		return CompletionEntry{SCT: SCTGeneric, SC: SCDataTransferError, DNR: true}
	}

	payload := make([]byte, mps)
	payload[0] = 0x01
	payload[1] = 0xff
	if err := handle.PlacePayload(payload); err != nil {
		return CompletionEntry{SCT: SCTGeneric, SC: SCDataTransferError, DNR: true}
	}

	return CompletionEntry{SCT: SCTGeneric, SC: SCSuccess}
}

func (e *Engine) handleCreateIOCQLocked(cmd *SubmissionEntry) CompletionEntry {
	queueID := uint16(cmd.Cdw10 & 0xffff)
	size := uint16(cmd.Cdw10 >> 16)
	contiguous := cmd.Cdw11&0x1 != 0

	if queueID == AdminQueueID || int(queueID) >= maxQueues {
		return invalidField()
	}
	if !contiguous {
		return invalidField()
	}
	if e.findCQLocked(queueID) != nil {
		return invalidField()
	}

	q, err := NewQueue(KindCompletion, queueID, uint32(size)+1, cmd.DPTR1)
	if err != nil {
		return invalidField()
	}
	e.cqs = append(e.cqs, q)
	e.observer.ObserveQueueDepth(len(e.cqs) + len(e.sqs))
	return CompletionEntry{SCT: SCTGeneric, SC: SCSuccess}
}

func (e *Engine) handleCreateIOSQLocked(cmd *SubmissionEntry) CompletionEntry {
	queueID := uint16(cmd.Cdw10 & 0xffff)
	size := uint16(cmd.Cdw10 >> 16)
	cqID := uint16(cmd.Cdw11 & 0xffff)
	contiguous := (cmd.Cdw11>>16)&0x1 != 0

	if queueID == AdminQueueID || int(queueID) >= maxQueues {
		return invalidField()
	}
	if !contiguous {
		return invalidField()
	}
	cq := e.findCQLocked(cqID)
	if cq == nil {
		return invalidField()
	}
	if e.findSQLocked(queueID) != nil {
		return invalidField()
	}

	sq, err := NewQueue(KindSubmission, queueID, uint32(size)+1, cmd.DPTR1)
	if err != nil {
		return invalidField()
	}
	Pair(sq, cq)
	e.sqs = append(e.sqs, sq)
	e.observer.ObserveQueueDepth(len(e.cqs) + len(e.sqs))
	return CompletionEntry{SCT: SCTGeneric, SC: SCSuccess}
}

func (e *Engine) handleDeleteIOSQLocked(cmd *SubmissionEntry) CompletionEntry {
	queueID := uint16(cmd.Cdw10 & 0xffff)
	if queueID == AdminQueueID {
		return invalidField()
	}

	idx := -1
	for i, q := range e.sqs {
		if q.QueueID == queueID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return invalidField()
	}

	Unpair(e.sqs[idx])
	e.cidValidator.DropQueue(queueID)
	e.completions.DropQueue(queueID)
	e.sqs = append(e.sqs[:idx], e.sqs[idx+1:]...)
	return CompletionEntry{SCT: SCTGeneric, SC: SCSuccess}
}

func (e *Engine) handleDeleteIOCQLocked(cmd *SubmissionEntry) CompletionEntry {
	queueID := uint16(cmd.Cdw10 & 0xffff)
	if queueID == AdminQueueID {
		return invalidField()
	}

	idx := -1
	for i, q := range e.cqs {
		if q.QueueID == queueID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return invalidField()
	}

	Unpair(e.cqs[idx])
	e.cqs = append(e.cqs[:idx], e.cqs[idx+1:]...)
	return CompletionEntry{SCT: SCTGeneric, SC: SCSuccess}
}

func invalidField() CompletionEntry {
	return CompletionEntry{SCT: SCTGeneric, SC: SCInvalidField, DNR: true}
}

func (e *Engine) findSQLocked(queueID uint16) *Queue {
	for _, q := range e.sqs {
		if q.QueueID == queueID {
			return q
		}
	}
	return nil
}

func (e *Engine) findCQLocked(queueID uint16) *Queue {
	for _, q := range e.cqs {
		if q.QueueID == queueID {
			return q
		}
	}
	return nil
}

// resetLocked implements §4.5 E5: drop every non-admin queue from both
// registries, unpairing each as it goes, and clear the CID and
// phase-tag maps. The admin pair, if materialized, survives.
func (e *Engine) resetLocked() {
	keptSQs := e.sqs[:0:0]
	for _, q := range e.sqs {
		if q.QueueID == AdminQueueID {
			keptSQs = append(keptSQs, q)
		} else {
			Unpair(q)
		}
	}
	e.sqs = keptSQs

	keptCQs := e.cqs[:0:0]
	for _, q := range e.cqs {
		if q.QueueID == AdminQueueID {
			keptCQs = append(keptCQs, q)
		} else {
			Unpair(q)
		}
	}
	e.cqs = keptCQs

	e.cidValidator.Reset()
	e.completions.Reset()

	if e.logger != nil {
		e.logger.Info("controller reset applied")
	}
	e.observer.ObserveReset()
}

// Run starts a dedicated worker that wakes every interval to call
// CheckForChanges, until ctx is cancelled. This is the timed-worker
// mode of §5; the single-threaded cooperative mode is simply calling
// CheckForChanges directly without ever calling Run.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	start := time.Now()
	err := e.CheckForChanges()
	latency := time.Since(start).Nanoseconds()

	noop := err == nil
	if err != nil && e.logger != nil {
		e.logger.WithError(err).Error("tick aborted")
	}
	e.observer.ObserveTick(latency, noop)

	e.flipMu.Lock()
	ch := e.flipCh
	e.flipCh = make(chan struct{})
	e.flipMu.Unlock()
	close(ch)
}

// WaitForFlip blocks until at least one more CheckForChanges pass
// completes after the call is made, or ctx is cancelled. Test
// harnesses use this instead of sleeping past the worker's interval.
func (e *Engine) WaitForFlip(ctx context.Context) error {
	e.flipMu.Lock()
	ch := e.flipCh
	e.flipMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns the total number of materialized SQs and CQs,
// used by the root package's metrics adapter.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sqs) + len(e.cqs)
}

var _ Registers = (*ControllerRegisters)(nil)
