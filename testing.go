package nvmeemu

import (
	"context"
	"sync"

	"github.com/qdepth/nvme-emu/internal/nvme"
)

// Harness provides a deterministic, single-threaded driver for a
// Controller, for use by host-driver test suites (§5's "single-
// threaded cooperative mode" and §8's literal end-to-end scenarios).
// It tracks how many ticks have run and lets a test script write
// submission entries, ring doorbells, and read back completions
// without needing a real host driver.
type Harness struct {
	*Controller

	mu    sync.Mutex
	ticks int
}

// NewHarness creates a Controller in cooperative mode (TickInterval=0,
// no background worker) and wraps it for scripted testing.
func NewHarness(memorySize uint64) (*Harness, error) {
	if memorySize == 0 {
		memorySize = DefaultMemorySize
	}
	params := Params{MemorySize: memorySize, TickInterval: 0}
	c, err := CreateAndServe(context.Background(), params, nil)
	if err != nil {
		return nil, err
	}
	return &Harness{Controller: c}, nil
}

// Tick drives one CheckForChanges pass and records it for TickCount.
func (h *Harness) Tick() error {
	h.mu.Lock()
	h.ticks++
	h.mu.Unlock()
	return h.CheckForChanges()
}

// TickCount returns how many times Tick has been called.
func (h *Harness) TickCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ticks
}

// BringUp performs the host-side register writes of spec §8 scenario 1:
// program AQA/ASQ/ACQ and set CC.EN, then run one tick so the admin
// queue pair materializes.
func (h *Harness) BringUp(asqBase, acqBase uint64, asqSize, acqSize uint16) error {
	r := h.Registers()
	r.SetAQA(asqSize, acqSize)
	r.SetASQBase(asqBase)
	r.SetACQBase(acqBase)
	r.SetEnabled(true)
	return h.Tick()
}

// WriteSubmissionEntry encodes e and writes it into the submission
// ring at base, slot. base is normally an admin/I/O SQ's configured
// memory address; slot is the 0-based ring index.
func (h *Harness) WriteSubmissionEntry(base uint64, slot uint32, e nvme.SubmissionEntry) error {
	addr := base + uint64(slot)*nvme.SubmissionEntrySize
	return h.Memory().WriteAt(nvme.MarshalSubmissionEntry(&e), addr)
}

// RingSQTailDoorbell writes the host-side SQ tail doorbell for
// queueID, the host's way of announcing new submission entries.
func (h *Harness) RingSQTailDoorbell(queueID uint16, tail uint16) {
	h.Registers().WriteSQTail(queueID, tail)
}

// ReadCompletionEntry reads and decodes the completion entry at base,
// slot. base is normally an admin/I/O CQ's configured memory address.
func (h *Harness) ReadCompletionEntry(base uint64, slot uint32) (nvme.CompletionEntry, error) {
	buf := make([]byte, nvme.CompletionEntrySize)
	addr := base + uint64(slot)*nvme.CompletionEntrySize
	if err := h.Memory().ReadAt(buf, addr); err != nil {
		return nvme.CompletionEntry{}, err
	}
	var entry nvme.CompletionEntry
	if err := nvme.UnmarshalCompletionEntry(buf, &entry); err != nil {
		return nvme.CompletionEntry{}, err
	}
	return entry, nil
}

// ReadCQHeadDoorbell reads the device-side CQ head doorbell for
// queueID, the value a host driver would poll to reclaim slots.
func (h *Harness) ReadCQHeadDoorbell(queueID uint16) uint16 {
	return h.Registers().ReadCQHead(queueID)
}
