package observability

import (
	"fmt"
	"testing"
	"time"
)

func TestLifecycleWindowStats(t *testing.T) {
	w := newLifecycleWindow(8)
	w.record(StageTeardown, 100*time.Millisecond)
	w.record(StageTeardown, 300*time.Millisecond)
	w.record(StageTeardown, 700*time.Millisecond)
	w.record(StageMint, 50*time.Millisecond)
	w.record(Stage("warmup"), time.Second)
	w.record(StageConnect, -time.Second)

	snap := w.snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 2 {
		t.Fatalf("Stages = %+v, want mint and teardown only", snap.Stages)
	}
	if snap.Stages[0].Stage != StageMint || snap.Stages[1].Stage != StageTeardown {
		t.Fatalf("stages out of lifecycle order: %+v", snap.Stages)
	}
	s := snap.Stages[1]
	if s.Samples != 3 || s.LastMS != 700 || s.P50MS != 300 || s.P95MS != 700 || s.MaxMS != 700 {
		t.Fatalf("teardown stats = %+v", s)
	}
	if s.BudgetMS != 600 || !s.OverBudget {
		t.Fatalf("teardown budget = %.0f over=%v, want 600 and over", s.BudgetMS, s.OverBudget)
	}
	if snap.Stages[0].OverBudget {
		t.Fatalf("mint should be within budget: %+v", snap.Stages[0])
	}
}

func TestLifecycleWindowKeepsNewestSamples(t *testing.T) {
	w := newLifecycleWindow(2)
	w.record(StageConnect, 10*time.Millisecond)
	w.record(StageConnect, 20*time.Millisecond)
	w.record(StageConnect, 30*time.Millisecond)

	s := w.snapshot().Stages[0]
	if s.Samples != 2 || s.AvgMS != 25 || s.LastMS != 30 {
		t.Fatalf("connect stats = %+v, want the two newest samples", s)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveConnect("connected", time.Second)
	m.ObserveTeardown(false, true, time.Second)
	m.ObserveProviderError("openai", "")
	m.SetActiveSessions(3)
	m.ResetLifecycle()
	if got := len(m.Lifecycle().Stages); got != 0 {
		t.Fatalf("len(Stages) = %d, want 0", got)
	}
	if m.FirstTextSLO() != 0 {
		t.Fatalf("FirstTextSLO on nil metrics should be zero")
	}
}

func TestTeardownIndicators(t *testing.T) {
	m := NewMetrics(fmt.Sprintf("lingo_test_obs_%d", time.Now().UnixNano()))
	m.ObserveConnect("connected", 120*time.Millisecond)
	m.ObserveConnect("failed", 10*time.Millisecond)
	m.ObserveTeardown(false, false, 40*time.Millisecond)
	m.ObserveTeardown(true, true, 510*time.Millisecond)

	snap := m.Lifecycle()
	if len(snap.Stages) != 2 {
		t.Fatalf("Stages = %+v, want connect and teardown", snap.Stages)
	}
	if snap.Stages[0].Stage != StageConnect || snap.Stages[0].Samples != 1 {
		t.Fatalf("Stages[0] = %+v, want one connect sample", snap.Stages[0])
	}
	want := []IndicatorCount{
		{Indicator: IndicatorTeardownUnverified, Count: 1},
		{Indicator: IndicatorCloseTimedOut, Count: 1},
	}
	if len(snap.Indicators) != len(want) {
		t.Fatalf("Indicators = %+v, want %+v", snap.Indicators, want)
	}
	for i := range want {
		if snap.Indicators[i] != want[i] {
			t.Fatalf("Indicators = %+v, want %+v", snap.Indicators, want)
		}
	}

	m.ResetLifecycle()
	if snap := m.Lifecycle(); len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("after reset = %+v", snap)
	}
}

func TestFirstTextSLOMisses(t *testing.T) {
	m := NewMetrics(fmt.Sprintf("lingo_test_slo_%d", time.Now().UnixNano()))
	m.SetFirstTextSLO(time.Second)
	m.ObserveFirstTextLatency(300 * time.Millisecond)
	m.ObserveFirstTextLatency(1500 * time.Millisecond)

	snap := m.Lifecycle()
	if len(snap.Indicators) != 1 || snap.Indicators[0].Indicator != IndicatorFirstTextSLOMiss || snap.Indicators[0].Count != 1 {
		t.Fatalf("Indicators = %+v, want one first_text_slo_miss", snap.Indicators)
	}
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != StageFirstText || snap.Stages[0].Samples != 2 {
		t.Fatalf("Stages = %+v", snap.Stages)
	}
}
