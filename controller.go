// Package nvmeemu provides the main API for creating an emulated NVMe
// controller: a host-memory-backed register and queue interface that
// behaves, from a host driver's perspective, like real NVMe hardware.
package nvmeemu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdepth/nvme-emu/internal/constants"
	"github.com/qdepth/nvme-emu/internal/hostmem"
	"github.com/qdepth/nvme-emu/internal/logging"
	"github.com/qdepth/nvme-emu/internal/nvme"
)

// Params contains parameters for creating a Controller.
type Params struct {
	// MemorySize is the size in bytes of the emulated host memory
	// region the controller's queues and PRPs address. Zero selects
	// DefaultMemorySize.
	MemorySize uint64

	// TickInterval selects the concurrency mode (§5). A positive
	// duration spawns a dedicated worker that wakes on this interval
	// and calls CheckForChanges. Zero selects the single-threaded
	// cooperative mode: no worker is spawned, and the caller drives
	// the engine directly via Controller.CheckForChanges.
	TickInterval time.Duration

	// MemoryPageSizeShift seeds CC.MPS once the controller is enabled,
	// giving a memory page size of 2^(12+shift) bytes. Defaults to
	// DefaultMemoryPageSizeShift (4KB pages).
	MemoryPageSizeShift uint32
}

// Options contains additional options for controller creation.
type Options struct {
	// Context for cancellation (if nil, uses context.Background()).
	Context context.Context

	// Logger for structured logging (if nil, uses logging.Default()).
	Logger *logging.Logger

	// Observer for metrics collection (if nil, uses a Metrics-backed
	// observer reachable via Controller.Metrics).
	Observer Observer
}

// DefaultParams returns default controller parameters.
func DefaultParams() Params {
	return Params{
		MemorySize:          constants.DefaultMemorySize,
		TickInterval:        constants.DefaultTickInterval,
		MemoryPageSizeShift: constants.DefaultMemoryPageSizeShift,
	}
}

// ControllerState mirrors the engine's two-state model (§4.5):
// Disabled while CSTS.RDY==0, Enabled once the host has set CC.EN=1.
type ControllerState string

const (
	StateDisabled ControllerState = "disabled"
	StateEnabled  ControllerState = "enabled"
)

// Controller is an emulated NVMe controller: emulated host memory, the
// Controller/PCI Express register collaborators, and the command-
// processing engine, wired together and optionally driven by a
// background worker.
type Controller struct {
	// ID is a unique identifier assigned at creation, used to tag log
	// lines and structured errors so multiple emulated controllers in
	// one process can be told apart.
	ID string

	mem       hostmem.Memory
	registers *nvme.ControllerRegisters
	pci       *nvme.PCIExpressRegisters
	engine    *nvme.Engine

	metrics  *Metrics
	observer Observer
	logger   *logging.Logger

	tickInterval time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	started      bool
}

// CreateAndServe constructs a Controller with the given parameters. In
// timed-worker mode (TickInterval > 0) it also starts the background
// worker; the controller does not reach CSTS.RDY=1 until the caller
// drives Controller.Registers().SetEnabled(true), mirroring a real
// host driver's CC.EN write.
//
// Example:
//
//	c, err := nvmeemu.CreateAndServe(context.Background(), nvmeemu.DefaultParams(), nil)
//	c.Registers().SetAQA(15, 15)
//	c.Registers().SetASQBase(0x1000)
//	c.Registers().SetACQBase(0x2000)
//	c.Registers().SetEnabled(true)
func CreateAndServe(ctx context.Context, params Params, options *Options) (*Controller, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}

	if params.MemorySize == 0 {
		params.MemorySize = constants.DefaultMemorySize
	}

	metrics := NewMetrics()
	var observer Observer = NoOpObserver{}
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = NewMetricsObserver(metrics)
	}

	id := uuid.NewString()

	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithController(id)

	mem, err := hostmem.NewMmap(params.MemorySize)
	if err != nil {
		logger.Warn("anonymous mmap unavailable, falling back to a Go-managed buffer", "error", err)
		mem = hostmem.New(params.MemorySize)
	}

	registers := nvme.NewControllerRegisters()
	registers.SetMemoryPageSizeShift(params.MemoryPageSizeShift)

	engine := nvme.NewEngine(mem, registers, logger, observer)

	c := &Controller{
		ID:           id,
		mem:          mem,
		registers:    registers,
		pci:          &nvme.PCIExpressRegisters{},
		engine:       engine,
		metrics:      metrics,
		observer:     observer,
		logger:       logger,
		tickInterval: params.TickInterval,
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.tickInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			engine.Run(c.ctx, c.tickInterval)
		}()
	}

	c.started = true
	logger.Info("controller initialized", "memory_bytes", params.MemorySize, "tick_interval", c.tickInterval)

	return c, nil
}

// StopAndDelete stops the controller's worker (if any), waits for its
// current tick to finish (bounded by constants.ShutdownGracePeriod),
// and releases the emulated host memory. It should be called to
// cleanly shut down a Controller created with CreateAndServe.
func StopAndDelete(ctx context.Context, c *Controller) error {
	if c == nil {
		return ErrInvalidParameters
	}

	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(constants.ShutdownGracePeriod):
		c.logger.Warn("worker did not stop within grace period")
	}

	c.metrics.Stop()
	c.started = false

	if err := c.mem.Close(); err != nil {
		return fmt.Errorf("failed to release host memory: %w", err)
	}
	return nil
}

// Registers returns the Controller Registers collaborator (§6), the
// host-facing CC/CSTS/AQA/ASQ/ACQ/doorbell surface a test harness or
// an emulated driver writes to drive bring-up, submission, and reset.
func (c *Controller) Registers() *nvme.ControllerRegisters { return c.registers }

// PCIExpressRegisters returns the PCI Express configuration-header
// collaborator backing BAR0 placement.
func (c *Controller) PCIExpressRegisters() *nvme.PCIExpressRegisters { return c.pci }

// Memory returns the emulated host memory backing the controller's
// queues and PRPs.
func (c *Controller) Memory() hostmem.Memory { return c.mem }

// CheckForChanges drives one engine tick synchronously. Used in the
// single-threaded cooperative mode (TickInterval == 0); calling it
// while a timed worker is also running is safe (the engine serializes
// internally) but unusual.
func (c *Controller) CheckForChanges() error {
	return c.engine.CheckForChanges()
}

// WaitForFlip blocks until the worker completes at least one more tick
// after the call is made, or ctx is cancelled. Only meaningful in
// timed-worker mode.
func (c *Controller) WaitForFlip(ctx context.Context) error {
	return c.engine.WaitForFlip(ctx)
}

// State reports the controller's current top-level state (§4.5).
func (c *Controller) State() ControllerState {
	if c == nil || !c.registers.RDY() {
		return StateDisabled
	}
	return StateEnabled
}

// IsRunning returns true if the controller's worker goroutine is
// active (timed-worker mode and not yet stopped).
func (c *Controller) IsRunning() bool {
	return c != nil && c.started && c.tickInterval > 0
}

// QueueDepth returns the total number of materialized submission and
// completion queues.
func (c *Controller) QueueDepth() int {
	return c.engine.QueueDepth()
}

// Metrics returns the controller's metrics instance.
func (c *Controller) Metrics() *Metrics {
	if c == nil {
		return nil
	}
	return c.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of controller
// metrics.
func (c *Controller) MetricsSnapshot() MetricsSnapshot {
	if c == nil || c.metrics == nil {
		return MetricsSnapshot{}
	}
	return c.metrics.Snapshot()
}
