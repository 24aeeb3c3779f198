package observability

import (
	"math"
	"slices"
	"sync"
	"time"
)

// Stage is a timed step of a conversation's lifecycle.
type Stage string

const (
	StageMint      Stage = "mint_credential"
	StageConnect   Stage = "connect"
	StageFirstText Stage = "user_to_first_text"
	StageTeardown  Stage = "teardown"
)

// Stages lists the lifecycle stages in the order a session passes them.
var Stages = []Stage{StageMint, StageConnect, StageFirstText, StageTeardown}

// Budget is the p95 latency a stage is expected to stay under.
func (s Stage) Budget() time.Duration {
	switch s {
	case StageMint:
		return 800 * time.Millisecond
	case StageConnect:
		return 1500 * time.Millisecond
	case StageFirstText:
		return 900 * time.Millisecond
	case StageTeardown:
		return 600 * time.Millisecond
	}
	return 0
}

// Indicator counts lifecycle outcomes that need attention.
type Indicator string

const (
	IndicatorTeardownUnverified Indicator = "teardown_unverified"
	IndicatorCloseTimedOut      Indicator = "close_timed_out"
	IndicatorFirstTextSLOMiss   Indicator = "first_text_slo_miss"
)

var indicatorOrder = []Indicator{IndicatorTeardownUnverified, IndicatorCloseTimedOut, IndicatorFirstTextSLOMiss}

type StageStats struct {
	Stage      Stage   `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms"`
	OverBudget bool    `json:"over_budget"`
}

type IndicatorCount struct {
	Indicator Indicator `json:"indicator"`
	Count     int       `json:"count"`
}

// LifecycleSnapshot is a point-in-time view of the rolling lifecycle
// window. Stages appear in lifecycle order and only once sampled.
type LifecycleSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []StageStats     `json:"stages"`
	Indicators  []IndicatorCount `json:"indicators,omitempty"`
}

// latencyRing keeps the newest samples of one stage, overwriting the oldest.
type latencyRing struct {
	samples []time.Duration
	head    int
	n       int
}

func (r *latencyRing) add(d time.Duration) {
	r.samples[r.head] = d
	r.head = (r.head + 1) % len(r.samples)
	if r.n < len(r.samples) {
		r.n++
	}
}

func (r *latencyRing) newest() time.Duration {
	return r.samples[(r.head-1+len(r.samples))%len(r.samples)]
}

func (r *latencyRing) stats(stage Stage) StageStats {
	sorted := slices.Clone(r.samples[:r.n])
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	p95 := nearestRank(sorted, 0.95)
	budget := stage.Budget()
	return StageStats{
		Stage:      stage,
		Samples:    len(sorted),
		LastMS:     millis(r.newest()),
		AvgMS:      millis(sum / time.Duration(len(sorted))),
		P50MS:      millis(nearestRank(sorted, 0.50)),
		P95MS:      millis(p95),
		MaxMS:      millis(sorted[len(sorted)-1]),
		BudgetMS:   millis(budget),
		OverBudget: budget > 0 && p95 > budget,
	}
}

// lifecycleWindow aggregates the most recent samples per stage and running
// indicator counts.
type lifecycleWindow struct {
	mu     sync.Mutex
	size   int
	rings  map[Stage]*latencyRing
	counts map[Indicator]int
}

func newLifecycleWindow(size int) *lifecycleWindow {
	if size <= 0 {
		size = 256
	}
	w := &lifecycleWindow{size: size}
	w.reset()
	return w
}

func (w *lifecycleWindow) reset() {
	w.rings = make(map[Stage]*latencyRing, len(Stages))
	w.counts = make(map[Indicator]int, len(indicatorOrder))
}

// record adds a sample. Unknown stages and negative durations are dropped.
func (w *lifecycleWindow) record(stage Stage, d time.Duration) {
	if d < 0 || !slices.Contains(Stages, stage) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.rings[stage]
	if r == nil {
		r = &latencyRing{samples: make([]time.Duration, w.size)}
		w.rings[stage] = r
	}
	r.add(d)
}

func (w *lifecycleWindow) count(ind Indicator) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.counts[ind]++
}

func (w *lifecycleWindow) snapshot() LifecycleSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LifecycleSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      []StageStats{},
	}
	for _, stage := range Stages {
		if r := w.rings[stage]; r != nil && r.n > 0 {
			snap.Stages = append(snap.Stages, r.stats(stage))
		}
	}
	for _, ind := range indicatorOrder {
		if n := w.counts[ind]; n > 0 {
			snap.Indicators = append(snap.Indicators, IndicatorCount{Indicator: ind, Count: n})
		}
	}
	return snap
}

// nearestRank returns the q-quantile of sorted by the nearest-rank method.
func nearestRank(sorted []time.Duration, q float64) time.Duration {
	rank := int(math.Ceil(q * float64(len(sorted))))
	return sorted[max(rank-1, 0)]
}

func millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Millisecond)*100) / 100
}
