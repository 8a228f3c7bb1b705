// +build integration

// Package integration exercises the Controller in its timed-worker
// mode (§5): a real background goroutine wakes on an interval and
// drains submission queues, rather than a test harness calling
// CheckForChanges synchronously. These tests are gated behind the
// integration build tag because they rely on wall-clock scheduling.
package integration

import (
	"context"
	"testing"
	"time"

	nvmeemu "github.com/qdepth/nvme-emu"
	"github.com/qdepth/nvme-emu/internal/nvme"
)

func TestTimedWorkerDrainsAcrossTicks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	params := nvmeemu.DefaultParams()
	params.MemorySize = 1 << 20
	params.TickInterval = time.Millisecond

	c, err := nvmeemu.CreateAndServe(ctx, params, nil)
	if err != nil {
		t.Fatalf("CreateAndServe failed: %v", err)
	}
	defer nvmeemu.StopAndDelete(context.Background(), c)

	r := c.Registers()
	r.SetAQA(15, 15)
	r.SetASQBase(0x1000)
	r.SetACQBase(0x2000)
	r.SetEnabled(true)

	if err := c.WaitForFlip(ctx); err != nil {
		t.Fatalf("WaitForFlip (bring-up) failed: %v", err)
	}
	if c.QueueDepth() != 2 {
		t.Fatalf("QueueDepth() = %d, want 2 after admin bring-up", c.QueueDepth())
	}

	mem := c.Memory()
	for i := 0; i < 15; i++ {
		cmd := nvme.SubmissionEntry{Opcode: nvme.OpKeepAlive, CID: uint16(0x0100 + i)}
		if err := mem.WriteAt(nvme.MarshalSubmissionEntry(&cmd), 0x1000+uint64(i)*nvme.SubmissionEntrySize); err != nil {
			t.Fatalf("WriteAt failed: %v", err)
		}
	}
	r.WriteSQTail(nvmeemu.AdminQueueID, 15)

	if err := c.WaitForFlip(ctx); err != nil {
		t.Fatalf("WaitForFlip (drain) failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if r.ReadCQHead(nvmeemu.AdminQueueID) == 15 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("worker did not drain all 15 commands in time; CQ head = %d", r.ReadCQHead(nvmeemu.AdminQueueID))
		case <-time.After(time.Millisecond):
		}
	}

	snap := c.MetricsSnapshot()
	if snap.KeepAliveOps != 15 {
		t.Errorf("KeepAliveOps = %d, want 15", snap.KeepAliveOps)
	}
}

func TestStopAndDeleteStopsWorkerPromptly(t *testing.T) {
	params := nvmeemu.DefaultParams()
	params.MemorySize = 1 << 16
	params.TickInterval = time.Millisecond

	c, err := nvmeemu.CreateAndServe(context.Background(), params, nil)
	if err != nil {
		t.Fatalf("CreateAndServe failed: %v", err)
	}

	start := time.Now()
	if err := nvmeemu.StopAndDelete(context.Background(), c); err != nil {
		t.Fatalf("StopAndDelete failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("StopAndDelete took %v, want well under the shutdown grace period", elapsed)
	}
}
