// Package discovery implements the Discovery & Strategy Selector (C5):
// concurrent backend probing, health scoring, deterministic strategy
// selection, and capability-compensation mapping.
package discovery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/R3E-Network/polyglot-coordinator/internal/backend"
)

// Availability is a per-kind probe outcome.
type Availability struct {
	Reachable         bool
	HealthScore       float64
	LastProbedAt      time.Time
	ConnectionDetails map[string]any
}

// Snapshot is the DatabaseAvailability value: a per-kind map, regenerated
// at most every cacheTTL and replaced atomically (pointer-swap) so readers
// never observe a half-written snapshot.
type Snapshot struct {
	PerKind   map[backend.Kind]Availability
	CreatedAt time.Time
}

// StrategyType is the ordered enum of operating modes, richest first.
type StrategyType string

const (
	StrategyFullPolyglot       StrategyType = "full_polyglot"
	StrategyTriDatabase        StrategyType = "tri_database"
	StrategyDualDatabase       StrategyType = "dual_database"
	StrategyRelationalEnhanced StrategyType = "relational_enhanced"
	StrategyRelationalMonolith StrategyType = "relational_monolith"
)

// Plan is the StrategyPlan value.
type Plan struct {
	Selected                 StrategyType
	RoleMap                  map[backend.Kind][]string
	CompensationMap          map[string]string
	ExpectedPerformanceRating int
}

// Prober is the probe-function contract for a single backend kind. Concrete
// probe tactics (driver ping, HTTP heartbeat, TCP dial, path-writable
// check) are supplied by callers per spec.md §4.5; discovery only
// orchestrates concurrency, deadlines, and caching.
type Prober func(ctx context.Context) Availability

// Selector runs discovery and strategy selection.
type Selector struct {
	probers map[backend.Kind]Prober
	cacheTTL time.Duration

	mu       sync.RWMutex
	snapshot *Snapshot
}

// DefaultCacheTTL is spec.md §3's default discovery_cache_ttl.
const DefaultCacheTTL = 300 * time.Second

// DefaultProbeDeadline is spec.md §4.5's default per-probe deadline.
const DefaultProbeDeadline = 5 * time.Second

// New constructs a Selector. cacheTTL <= 0 uses DefaultCacheTTL.
func New(probers map[backend.Kind]Prober, cacheTTL time.Duration) *Selector {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Selector{probers: probers, cacheTTL: cacheTTL}
}

// ProbeAll launches one probe per configured backend in parallel, each
// bounded by deadline. A call within cacheTTL of the last snapshot returns
// the cached snapshot unchanged.
func (s *Selector) ProbeAll(ctx context.Context, deadline time.Duration) *Snapshot {
	if deadline <= 0 {
		deadline = DefaultProbeDeadline
	}

	s.mu.RLock()
	cached := s.snapshot
	s.mu.RUnlock()
	if cached != nil && time.Since(cached.CreatedAt) < s.cacheTTL {
		return cached
	}

	concurrency := len(s.probers)
	if concurrency > 8 {
		concurrency = 8
	}
	if concurrency == 0 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))

	results := make(map[backend.Kind]Availability, len(s.probers))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for kind, prober := range s.probers {
		kind, prober := kind, prober
		_ = sem.Acquire(ctx, 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			probeCtx, cancel := context.WithTimeout(ctx, deadline)
			defer cancel()

			avail := prober(probeCtx)
			avail.LastProbedAt = time.Now()

			resultsMu.Lock()
			results[kind] = avail
			resultsMu.Unlock()
		}()
	}
	wg.Wait()

	fresh := &Snapshot{PerKind: results, CreatedAt: time.Now()}

	s.mu.Lock()
	s.snapshot = fresh
	s.mu.Unlock()

	return fresh
}

// HealthScore derives health_score = clamp(0, 1, 1000 / latency_ms) from a
// probe latency, per spec.md §4.5.
func HealthScore(latency time.Duration) float64 {
	if latency <= 0 {
		return 1.0
	}
	ms := float64(latency.Milliseconds())
	if ms <= 0 {
		return 1.0
	}
	score := 1000.0 / ms
	if score > 1 {
		return 1
	}
	if score < 0 {
		return 0
	}
	return score
}

// SelectStrategy deterministically picks a StrategyType from the reachable
// primary backend count (relational, document, vector, graph), demoting by
// one tier if the average health score of selected backends is below 0.3
// (unless already at relational_monolith).
func SelectStrategy(snap *Snapshot) Plan {
	reachablePrimary := make([]backend.Kind, 0, 4)
	var scoreSum float64
	for _, kind := range []backend.Kind{backend.KindRelational, backend.KindDocument, backend.KindVector, backend.KindGraph} {
		avail, ok := snap.PerKind[kind]
		if ok && avail.Reachable {
			reachablePrimary = append(reachablePrimary, kind)
			scoreSum += avail.HealthScore
		}
	}

	fileReachable := snap.PerKind[backend.KindFile].Reachable
	relationalReachable := contains(reachablePrimary, backend.KindRelational)

	var selected StrategyType
	var rating int
	switch {
	case len(reachablePrimary) == 4:
		selected, rating = StrategyFullPolyglot, 10
	case len(reachablePrimary) == 3:
		selected, rating = StrategyTriDatabase, 8
	case len(reachablePrimary) == 2:
		selected, rating = StrategyDualDatabase, 6
	case len(reachablePrimary) == 1 && relationalReachable:
		selected, rating = StrategyRelationalEnhanced, 7
	default:
		selected, rating = StrategyRelationalMonolith, 4
	}
	_ = fileReachable

	if len(reachablePrimary) > 0 {
		avg := scoreSum / float64(len(reachablePrimary))
		if avg < 0.3 && selected != StrategyRelationalMonolith {
			selected, rating = demote(selected)
		}
	}

	missing := missingKinds(reachablePrimary)
	compensation := make(map[string]string, len(missing))
	for _, kind := range missing {
		if recipe, ok := compensationRecipe(kind); ok {
			compensation[string(kind)] = recipe
		}
	}

	roleMap := make(map[backend.Kind][]string, len(reachablePrimary))
	for _, kind := range reachablePrimary {
		roleMap[kind] = []string{"primary"}
	}

	return Plan{
		Selected:                  selected,
		RoleMap:                   roleMap,
		CompensationMap:           compensation,
		ExpectedPerformanceRating: rating,
	}
}

func demote(tier StrategyType) (StrategyType, int) {
	switch tier {
	case StrategyFullPolyglot:
		return StrategyTriDatabase, 8
	case StrategyTriDatabase:
		return StrategyDualDatabase, 6
	case StrategyDualDatabase:
		return StrategyRelationalEnhanced, 7
	case StrategyRelationalEnhanced:
		return StrategyRelationalMonolith, 4
	default:
		return StrategyRelationalMonolith, 4
	}
}

func contains(kinds []backend.Kind, target backend.Kind) bool {
	for _, k := range kinds {
		if k == target {
			return true
		}
	}
	return false
}

func missingKinds(reachable []backend.Kind) []backend.Kind {
	all := []backend.Kind{backend.KindRelational, backend.KindDocument, backend.KindVector, backend.KindGraph}
	missing := make([]backend.Kind, 0, len(all))
	for _, k := range all {
		if !contains(reachable, k) {
			missing = append(missing, k)
		}
	}
	return missing
}

// compensationRecipe returns the named substitution recipe for a missing
// capability, per spec.md §4.5's table. Recipes are names only; actual
// execution is the caller's responsibility.
func compensationRecipe(missing backend.Kind) (string, bool) {
	switch missing {
	case backend.KindGraph:
		return "relational: adjacency table + recursive queries", true
	case backend.KindVector:
		return "relational with a vector extension, or approximate hashing table", true
	case backend.KindDocument:
		return "relational JSON column", true
	case backend.KindRelational:
		return "local embedded relational fallback", true
	default:
		return "", false
	}
}
