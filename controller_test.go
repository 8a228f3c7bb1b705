package nvmeemu

import (
	"context"
	"testing"
	"time"

	"github.com/qdepth/nvme-emu/internal/nvme"
	"github.com/stretchr/testify/require"
)

func TestCreateAndServeCooperativeMode(t *testing.T) {
	c, err := CreateAndServe(context.Background(), Params{MemorySize: 1 << 20}, nil)
	require.NoError(t, err)
	defer StopAndDelete(context.Background(), c)

	require.False(t, c.IsRunning(), "TickInterval=0 means no worker goroutine")
	require.Equal(t, StateDisabled, c.State())
}

func TestCreateAndServeTimedWorkerMode(t *testing.T) {
	c, err := CreateAndServe(context.Background(), Params{MemorySize: 1 << 20, TickInterval: time.Millisecond}, nil)
	require.NoError(t, err)
	defer StopAndDelete(context.Background(), c)

	require.True(t, c.IsRunning())

	r := c.Registers()
	r.SetAQA(15, 15)
	r.SetASQBase(0x1000)
	r.SetACQBase(0x2000)
	r.SetEnabled(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.WaitForFlip(ctx))
	require.Equal(t, StateEnabled, c.State())
	require.Equal(t, 2, c.QueueDepth())
}

func TestHarnessBringUpIdentifyAndKeepAlive(t *testing.T) {
	h, err := NewHarness(1 << 20)
	require.NoError(t, err)
	defer StopAndDelete(context.Background(), h.Controller)

	require.NoError(t, h.BringUp(0x1000, 0x2000, 15, 15))
	require.Equal(t, 2, h.QueueDepth())

	require.NoError(t, h.WriteSubmissionEntry(0x1000, 0, nvme.SubmissionEntry{
		Opcode: nvme.OpIdentify, CID: 0x0001, DPTR1: 0x10000,
	}))
	h.RingSQTailDoorbell(AdminQueueID, 1)
	require.NoError(t, h.Tick())

	out, err := h.ReadCompletionEntry(0x2000, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0x0001, out.CID)
	require.EqualValues(t, 1, out.SQHD)
	require.True(t, out.P)
	require.Zero(t, out.SC)
	require.EqualValues(t, 1, h.ReadCQHeadDoorbell(AdminQueueID))

	payload := make([]byte, 2)
	require.NoError(t, h.Memory().ReadAt(payload, 0x10000))
	require.Equal(t, []byte{0x01, 0xff}, payload)

	require.NoError(t, h.WriteSubmissionEntry(0x1000, 1, nvme.SubmissionEntry{
		Opcode: nvme.OpKeepAlive, CID: 0x0002,
	}))
	h.RingSQTailDoorbell(AdminQueueID, 2)
	require.NoError(t, h.Tick())

	out2, err := h.ReadCompletionEntry(0x2000, 1)
	require.NoError(t, err)
	require.EqualValues(t, 0x0002, out2.CID)
	require.Zero(t, out2.SC)
	require.Equal(t, 3, h.TickCount(), "bring-up, identify, and keep-alive each drove one tick")
}

func TestHarnessCIDConflict(t *testing.T) {
	h, err := NewHarness(1 << 20)
	require.NoError(t, err)
	defer StopAndDelete(context.Background(), h.Controller)

	require.NoError(t, h.BringUp(0x1000, 0x2000, 15, 15))

	require.NoError(t, h.WriteSubmissionEntry(0x1000, 0, nvme.SubmissionEntry{Opcode: nvme.OpKeepAlive, CID: 0x0002}))
	h.RingSQTailDoorbell(AdminQueueID, 1)
	require.NoError(t, h.Tick())

	require.NoError(t, h.WriteSubmissionEntry(0x1000, 1, nvme.SubmissionEntry{Opcode: nvme.OpKeepAlive, CID: 0x0002}))
	h.RingSQTailDoorbell(AdminQueueID, 2)
	require.NoError(t, h.Tick())

	out, err := h.ReadCompletionEntry(0x2000, 1)
	require.NoError(t, err)
	require.EqualValues(t, nvme.SCCommandIDConflict, out.SC)
	require.True(t, out.DNR)
}

func TestStopAndDeleteNilController(t *testing.T) {
	err := StopAndDelete(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidParameters)
}

func TestMetricsSnapshotReflectsDrainedCommands(t *testing.T) {
	h, err := NewHarness(1 << 20)
	require.NoError(t, err)
	defer StopAndDelete(context.Background(), h.Controller)

	require.NoError(t, h.BringUp(0x1000, 0x2000, 15, 15))
	require.NoError(t, h.WriteSubmissionEntry(0x1000, 0, nvme.SubmissionEntry{Opcode: nvme.OpKeepAlive, CID: 0x0001}))
	h.RingSQTailDoorbell(AdminQueueID, 1)
	require.NoError(t, h.Tick())

	snap := h.MetricsSnapshot()
	require.EqualValues(t, 1, snap.KeepAliveOps)
	require.EqualValues(t, 1, snap.CompletionsPosted)
}
