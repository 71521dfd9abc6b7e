package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/R3E-Network/polyglot-coordinator/internal/backend"
)

func reachableProber(score float64) Prober {
	return func(ctx context.Context) Availability {
		return Availability{Reachable: true, HealthScore: score}
	}
}

func unreachableProber() Prober {
	return func(ctx context.Context) Availability {
		return Availability{Reachable: false}
	}
}

func TestProbeAllReturnsAllKinds(t *testing.T) {
	sel := New(map[backend.Kind]Prober{
		backend.KindRelational: reachableProber(0.9),
		backend.KindDocument:   reachableProber(0.8),
	}, time.Minute)

	snap := sel.ProbeAll(context.Background(), time.Second)
	if len(snap.PerKind) != 2 {
		t.Fatalf("expected 2 probed kinds, got %d", len(snap.PerKind))
	}
	if !snap.PerKind[backend.KindRelational].Reachable {
		t.Error("expected relational to be reachable")
	}
}

func TestProbeAllCaching(t *testing.T) {
	calls := 0
	sel := New(map[backend.Kind]Prober{
		backend.KindRelational: func(ctx context.Context) Availability {
			calls++
			return Availability{Reachable: true, HealthScore: 0.9}
		},
	}, time.Minute)

	first := sel.ProbeAll(context.Background(), time.Second)
	second := sel.ProbeAll(context.Background(), time.Second)

	if first != second {
		t.Error("expected second ProbeAll within TTL to return the identical cached snapshot")
	}
	if calls != 1 {
		t.Errorf("expected prober called once due to caching, called %d times", calls)
	}
}

func TestHealthScore(t *testing.T) {
	tests := []struct {
		latency time.Duration
		want    float64
	}{
		{0, 1.0},
		{time.Millisecond, 1.0},
		{2 * time.Second, 0.5},
		{10 * time.Second, 0.1},
	}
	for _, tt := range tests {
		if got := HealthScore(tt.latency); got != tt.want {
			t.Errorf("HealthScore(%v) = %v, want %v", tt.latency, got, tt.want)
		}
	}
}

func snapshotWith(reachable ...backend.Kind) *Snapshot {
	perKind := make(map[backend.Kind]Availability)
	for _, k := range reachable {
		perKind[k] = Availability{Reachable: true, HealthScore: 0.9}
	}
	return &Snapshot{PerKind: perKind, CreatedAt: time.Now()}
}

func TestSelectStrategyFullPolyglot(t *testing.T) {
	snap := snapshotWith(backend.KindRelational, backend.KindDocument, backend.KindVector, backend.KindGraph)
	plan := SelectStrategy(snap)
	if plan.Selected != StrategyFullPolyglot {
		t.Errorf("Selected = %v, want %v", plan.Selected, StrategyFullPolyglot)
	}
	if plan.ExpectedPerformanceRating != 10 {
		t.Errorf("rating = %d, want 10", plan.ExpectedPerformanceRating)
	}
}

func TestSelectStrategyTriDatabase(t *testing.T) {
	snap := snapshotWith(backend.KindRelational, backend.KindDocument, backend.KindVector)
	plan := SelectStrategy(snap)
	if plan.Selected != StrategyTriDatabase {
		t.Errorf("Selected = %v, want %v", plan.Selected, StrategyTriDatabase)
	}
	if _, ok := plan.CompensationMap[string(backend.KindGraph)]; !ok {
		t.Error("expected compensation recipe for missing graph backend")
	}
}

func TestSelectStrategyRelationalEnhanced(t *testing.T) {
	snap := snapshotWith(backend.KindRelational)
	plan := SelectStrategy(snap)
	if plan.Selected != StrategyRelationalEnhanced {
		t.Errorf("Selected = %v, want %v", plan.Selected, StrategyRelationalEnhanced)
	}
}

func TestSelectStrategyRelationalMonolith(t *testing.T) {
	snap := snapshotWith(backend.KindDocument)
	plan := SelectStrategy(snap)
	if plan.Selected != StrategyRelationalMonolith {
		t.Errorf("Selected = %v, want %v", plan.Selected, StrategyRelationalMonolith)
	}
}

func TestSelectStrategyDemotesOnLowHealth(t *testing.T) {
	perKind := map[backend.Kind]Availability{
		backend.KindRelational: {Reachable: true, HealthScore: 0.1},
		backend.KindDocument:   {Reachable: true, HealthScore: 0.1},
		backend.KindVector:     {Reachable: true, HealthScore: 0.1},
		backend.KindGraph:      {Reachable: true, HealthScore: 0.1},
	}
	snap := &Snapshot{PerKind: perKind, CreatedAt: time.Now()}

	plan := SelectStrategy(snap)
	if plan.Selected != StrategyTriDatabase {
		t.Errorf("expected demotion from full_polyglot to tri_database, got %v", plan.Selected)
	}
}

func TestSelectStrategyNoBackendsReachable(t *testing.T) {
	snap := &Snapshot{PerKind: map[backend.Kind]Availability{}, CreatedAt: time.Now()}
	plan := SelectStrategy(snap)
	if plan.Selected != StrategyRelationalMonolith {
		t.Errorf("Selected = %v, want %v", plan.Selected, StrategyRelationalMonolith)
	}
}
