// Package routing is the Worker Routing Index (§4.7): a pure read path
// over instance state that picks one ready worker to serve a requested
// model. It holds no in-memory cache — every call re-queries the
// database, so invalidation is implicit.
package routing

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/inventiv/fleet/internal/catalog"
	"github.com/inventiv/fleet/internal/store"
	"github.com/inventiv/fleet/pkg/apperror"
	"github.com/inventiv/fleet/pkg/config"
	"github.com/inventiv/fleet/pkg/metrics"
)

// Target is a routable worker returned to an inference proxy.
type Target struct {
	InstanceID string
	BaseURL    string
}

// Index is the Worker Routing Index.
type Index struct {
	repo    *store.Repository
	catalog *catalog.Resolver
	cfg     config.RoutingConfig

	// roundRobin holds a per-model cursor for the round-robin fallback.
	// It is an optimization over re-deriving a cursor from nothing every
	// call, not a cache of routability: routability is still judged fresh
	// on every request (§4.7 "no separate cache").
	roundRobinMu sync.Mutex
	roundRobin   map[int64]*uint64
}

// New builds an Index.
func New(repo *store.Repository, resolver *catalog.Resolver, cfg config.RoutingConfig) *Index {
	return &Index{repo: repo, catalog: resolver, cfg: cfg, roundRobin: make(map[int64]*uint64)}
}

// Route resolves modelExternalID (or the catalog default, if empty) to one
// routable instance, optionally sticky on stickyKey. Returns a structured
// CodeNoReadyWorker error on a routing miss (§4.7, §6.4).
func (idx *Index) Route(ctx context.Context, modelExternalID string, stickyKey string, enginePort int) (*Target, error) {
	model, err := idx.resolveModel(ctx, modelExternalID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeModelNotFound, apperror.KindFatal, "resolve model")
	}

	candidates, err := idx.repo.ListReadyByModel(ctx, model.ID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.CodeInternal, apperror.KindDatabase, "list ready instances")
	}

	routable := idx.routable(candidates)
	if len(routable) == 0 {
		metrics.Get().RecordRoutingMiss(model.ModelID)
		metrics.Get().RecordRoutingAttempt(model.ModelID, "miss")
		return nil, apperror.New(apperror.CodeNoReadyWorker, apperror.KindFatal, "no ready worker for model "+model.ModelID)
	}

	var chosen *store.Instance
	switch {
	case stickyKey != "":
		chosen = routable[idx.stickyIndex(stickyKey, len(routable))]
	default:
		chosen = idx.pickRoundRobinOrLeastLoaded(model.ID, routable)
	}

	address := ""
	if chosen.Address != nil {
		address = *chosen.Address
	}
	port := enginePort
	if chosen.EnginePort != nil {
		port = *chosen.EnginePort
	}
	metrics.Get().RecordRoutingAttempt(model.ModelID, "success")
	return &Target{
		InstanceID: chosen.ID,
		BaseURL:    fmt.Sprintf("http://%s:%d", address, port),
	}, nil
}

func (idx *Index) resolveModel(ctx context.Context, modelExternalID string) (*catalog.Model, error) {
	if modelExternalID == "" {
		return idx.catalog.DefaultModel(ctx)
	}
	return idx.catalog.ModelByExternalID(ctx, modelExternalID)
}

// routable filters to instances satisfying §4.7's routability predicate:
// ready, address known, worker_status ready-or-null, and not stale.
func (idx *Index) routable(instances []*store.Instance) []*store.Instance {
	horizon := idx.cfg.StalenessHorizon
	now := time.Now()
	out := make([]*store.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.Address == nil || *inst.Address == "" {
			continue
		}
		if inst.WorkerStatus != nil && *inst.WorkerStatus != "ready" {
			continue
		}
		if now.Sub(idx.freshestSignal(inst)) > horizon {
			continue
		}
		out = append(out, inst)
	}
	return out
}

func (idx *Index) freshestSignal(inst *store.Instance) time.Time {
	var freshest time.Time
	for _, t := range []*time.Time{inst.LastHeartbeat, inst.LastHealthCheck, inst.LastReconciliation} {
		if t != nil && t.After(freshest) {
			freshest = *t
		}
	}
	return freshest
}

// stickyIndex hashes key with xxhash seeded by cfg.StickyHashSeed and maps
// it into [0, n) (§4.7 "sticky hash of the session value mod N").
func (idx *Index) stickyIndex(key string, n int) int {
	h := xxhash.NewWithSeed(idx.cfg.StickyHashSeed)
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(n))
}

// pickRoundRobinOrLeastLoaded round-robins across all candidates when none
// has reported a queue depth; once any candidate reports one, it picks the
// least-loaded by last reported queue depth, counting an unreported depth
// as 0 (§4.7).
func (idx *Index) pickRoundRobinOrLeastLoaded(modelID int64, candidates []*store.Instance) *store.Instance {
	anyLoadReported := false
	for _, c := range candidates {
		if c.QueueDepth != nil {
			anyLoadReported = true
			break
		}
	}
	if !anyLoadReported {
		cursor := idx.cursorFor(modelID)
		n := atomic.AddUint64(cursor, 1)
		return candidates[int(n-1)%len(candidates)]
	}

	best := candidates[0]
	bestDepth := depthOf(best)
	for _, c := range candidates[1:] {
		if d := depthOf(c); d < bestDepth {
			best, bestDepth = c, d
		}
	}
	return best
}

func depthOf(inst *store.Instance) int {
	if inst.QueueDepth == nil {
		return 0
	}
	return *inst.QueueDepth
}

func (idx *Index) cursorFor(modelID int64) *uint64 {
	idx.roundRobinMu.Lock()
	defer idx.roundRobinMu.Unlock()
	if c, ok := idx.roundRobin[modelID]; ok {
		return c
	}
	c := new(uint64)
	idx.roundRobin[modelID] = c
	return c
}
