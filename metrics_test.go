package nvmeemu

import (
	"testing"
)

func TestMetricsTicksAndCommands(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.Ticks != 0 {
		t.Errorf("Expected 0 initial ticks, got %d", snap.Ticks)
	}

	m.RecordTick(1_000_000, false)
	m.RecordTick(500_000, true)
	m.RecordCommand(OutcomeIdentify)
	m.RecordCommand(OutcomeKeepAlive)
	m.RecordCommand(OutcomeCIDConflict)
	m.RecordCompletion(false)
	m.RecordCompletion(true)
	m.RecordReset()

	snap = m.Snapshot()

	if snap.Ticks != 2 {
		t.Errorf("Expected 2 ticks, got %d", snap.Ticks)
	}
	if snap.TicksNoop != 1 {
		t.Errorf("Expected 1 noop tick, got %d", snap.TicksNoop)
	}
	if snap.IdentifyOps != 1 || snap.KeepAliveOps != 1 || snap.CIDConflictOps != 1 {
		t.Errorf("unexpected command counters: %+v", snap)
	}
	if snap.CompletionsPosted != 2 {
		t.Errorf("Expected 2 completions, got %d", snap.CompletionsPosted)
	}
	if snap.PhaseFlips != 1 {
		t.Errorf("Expected 1 phase flip, got %d", snap.PhaseFlips)
	}
	if snap.ResetCount != 1 {
		t.Errorf("Expected 1 reset, got %d", snap.ResetCount)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()

	if snap.MaxQueueDepth != 20 {
		t.Errorf("Expected max queue depth 20, got %d", snap.MaxQueueDepth)
	}

	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgQueueDepth < expectedAvg-0.1 || snap.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg queue depth %.1f, got %.1f", expectedAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsLatencyPercentiles(t *testing.T) {
	m := NewMetrics()

	latencies := []uint64{500, 5_000, 50_000, 500_000, 5_000_000}
	for _, l := range latencies {
		m.RecordTick(l, false)
	}

	snap := m.Snapshot()
	if snap.LatencyP50Ns == 0 {
		t.Error("Expected nonzero P50 latency")
	}
	if snap.LatencyP99Ns < snap.LatencyP50Ns {
		t.Errorf("Expected P99 (%d) >= P50 (%d)", snap.LatencyP99Ns, snap.LatencyP50Ns)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordTick(1000, false)
	m.RecordCommand(OutcomeIdentify)
	m.Reset()

	snap := m.Snapshot()
	if snap.Ticks != 0 || snap.IdentifyOps != 0 {
		t.Errorf("Expected metrics cleared after Reset, got %+v", snap)
	}
}

func TestNoOpObserver(t *testing.T) {
	var o Observer = NoOpObserver{}
	o.ObserveTick(0, true)
	o.ObserveCommand(OutcomeKeepAlive)
	o.ObserveCompletion(false)
	o.ObserveReset()
	o.ObserveQueueDepth(1)
}

func TestMetricsObserver(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObserveTick(1000, false)
	o.ObserveCommand(OutcomeIdentify)
	o.ObserveCompletion(true)
	o.ObserveReset()
	o.ObserveQueueDepth(4)

	snap := m.Snapshot()
	if snap.Ticks != 1 || snap.IdentifyOps != 1 || snap.PhaseFlips != 1 || snap.ResetCount != 1 {
		t.Errorf("observer did not forward to metrics: %+v", snap)
	}
}
