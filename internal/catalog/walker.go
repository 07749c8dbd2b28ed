// Package catalog walks the upstream venue's paginated topic listing and
// yields normalized, reconciled market descriptors.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rewired-gh/polyoracle/internal/config"
	"github.com/rewired-gh/polyoracle/internal/logger"
	"github.com/rewired-gh/polyoracle/internal/metrics"
	"github.com/rewired-gh/polyoracle/internal/models"
	"github.com/rewired-gh/polyoracle/internal/venue"
	"github.com/sony/gobreaker"
)

// Walker streams normalized market descriptors by paginating the venue's
// topic listing and reconciling multi-outcome parents with their children.
type Walker struct {
	client *venue.Client
	cfg    config.VenueConfig
	reg    *metrics.Registry
}

// New builds a Walker over client using cfg's pagination and
// circuit-breaker parameters. reg may be nil when metrics are disabled.
func New(client *venue.Client, cfg config.VenueConfig, reg *metrics.Registry) *Walker {
	return &Walker{client: client, cfg: cfg, reg: reg}
}

// EmitFunc receives each reconciled market descriptor as it is produced.
type EmitFunc func(*models.Market)

type lookupResult struct {
	payload map[string]any
	err     error
}

// walkState is the per-walk mutable context: fresh circuit breakers and
// memoization caches, matching the "circuit-breaker state is per walk, not
// global" design note.
type walkState struct {
	detailBreaker *gobreaker.CircuitBreaker
	multiBreaker  *gobreaker.CircuitBreaker
	detailCache   map[string]*lookupResult
	multiCache    map[string]*lookupResult
	nowMs         int64
}

func newWalkState(cfg config.VenueConfig, nowMs int64, reg *metrics.Registry) *walkState {
	newBreaker := func(name string, stop int) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     time.Hour,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(stop)
			},
			IsSuccessful: func(err error) bool {
				return !errors.Is(err, venue.ErrNotFound)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if to == gobreaker.StateOpen {
					reg.IncCatalogBreakerTrip(name)
				}
			},
		})
	}
	return &walkState{
		detailBreaker: newBreaker("detail", cfg.DetailNotFoundStop),
		multiBreaker:  newBreaker("multi", cfg.MultiNotFoundStop),
		detailCache:   make(map[string]*lookupResult),
		multiCache:    make(map[string]*lookupResult),
		nowMs:         nowMs,
	}
}

// Walk performs one full catalog pass, invoking emit for every reconciled
// descriptor. nowMs, if non-zero, overrides the server-time lookup used for
// activity evaluation (primarily for tests); zero means "fetch it".
func (w *Walker) Walk(ctx context.Context, nowMs int64, emit EmitFunc) error {
	start := time.Now()
	defer func() {
		w.reg.IncCatalogWalk()
		w.reg.ObserveCatalogWalkDuration(time.Since(start))
	}()

	if nowMs == 0 {
		t, err := w.client.FetchServerTime(ctx)
		if err != nil {
			logger.Warn("catalog: failed to fetch server time, falling back to local clock: %v", err)
			t = time.Now().UnixMilli()
		}
		nowMs = t
	}
	st := newWalkState(w.cfg, nowMs, w.reg)

	countedEmit := func(m *models.Market) {
		label := "normal"
		if m.IsMultiParent() {
			label = "multi"
		}
		w.reg.IncCatalogMarketSeen(label)
		emit(m)
	}

	page := 1
	knownTotal := 0
	for {
		batchSize := w.cfg.PageWorkers
		pages := make([]*venue.ListPage, batchSize)
		errs := make([]error, batchSize)
		done := make(chan int, batchSize)
		for i := 0; i < batchSize; i++ {
			go func(i, p int) {
				pg, err := w.client.FetchListPage(ctx, p, w.cfg.PageSize)
				pages[i] = pg
				errs[i] = err
				done <- i
			}(i, page+i)
		}
		for i := 0; i < batchSize; i++ {
			<-done
		}

		stop := false
		for i := 0; i < batchSize; i++ {
			if errs[i] != nil {
				logger.Warn("catalog: failed to fetch list page %d: %v", page+i, errs[i])
				continue
			}
			pg := pages[i]
			if pg.Total > 0 {
				knownTotal = pg.Total
			}
			if len(pg.Entries) == 0 {
				stop = true
				break
			}
			for _, entry := range pg.Entries {
				w.reconcileEntry(ctx, st, entry, countedEmit)
			}
			if knownTotal > 0 {
				totalPages := int(math.Ceil(float64(knownTotal) / float64(w.cfg.PageSize)))
				if page+i >= totalPages {
					stop = true
					break
				}
			} else if len(pg.Entries) < w.cfg.PageSize {
				stop = true
				break
			}
		}
		if stop {
			break
		}
		page += batchSize
	}
	return nil
}

func (w *Walker) reconcileEntry(ctx context.Context, st *walkState, entry map[string]any, emit EmitFunc) {
	topicID, _ := stringField(entry, "topicId")
	children := childList(entry)

	var authoritative map[string]any = entry
	var multiParent map[string]any

	if len(children) == 0 && topicID != "" {
		if payload, err := w.lookupMulti(ctx, st, topicID); err == nil && len(childList(payload)) > 0 {
			multiParent = payload
			authoritative = payload
			children = childList(payload)
		}
	}

	emitted := w.emitParent(ctx, st, entry, authoritative, multiParent, emit)
	if emitted == nil {
		return
	}

	for _, child := range children {
		w.emitChild(ctx, st, child, emitted, entry, emit)
	}
}

// emitParent evaluates the entry (and its authoritative multi-outcome
// counterpart, if one was found) for emission, returning the descriptor
// children should be attached to, or nil if nothing was emitted.
func (w *Walker) emitParent(ctx context.Context, st *walkState, entry, authoritative, multiParent map[string]any, emit EmitFunc) *models.Market {
	active := w.isActive(ctx, st, authoritative)
	hasChildren := len(childList(authoritative)) > 0

	var out *models.Market
	if hasChildren || active {
		out = normalize(authoritative, "", st.nowMs)
		emit(out)
	}

	if multiParent != nil {
		entryChain, _ := stringField(entry, "chainId")
		parentChain, _ := stringField(multiParent, "chainId")
		if entryChain != "" && parentChain != "" && entryChain != parentChain {
			entryActive := w.isActive(ctx, st, entry)
			if entryActive {
				emit(normalize(entry, "", st.nowMs))
			}
		}
	}
	return out
}

func (w *Walker) emitChild(ctx context.Context, st *walkState, child map[string]any, parent *models.Market, listEntry map[string]any, emit EmitFunc) {
	if _, ok := child["statusEnum"]; !ok {
		if parentStatus, ok := stringField(listEntry, "statusEnum"); ok {
			child["statusEnum"] = parentStatus
		}
	}
	if !w.isActive(ctx, st, child) {
		return
	}
	emit(normalize(child, fmt.Sprintf("%d", parent.MarketID), st.nowMs))
}

// isActive evaluates activation, fetching the detail endpoint when the
// entry lacks enough information to decide on its own.
func (w *Walker) isActive(ctx context.Context, st *walkState, entry map[string]any) bool {
	if ok, decided := activityFromEntry(entry, st.nowMs); decided {
		return ok
	}
	topicID, _ := stringField(entry, "topicId")
	if topicID == "" {
		return false
	}
	payload, err := w.lookupDetail(ctx, st, topicID)
	if err != nil || payload == nil {
		return false
	}
	ok, _ := activityFromEntry(payload, st.nowMs)
	return ok
}

func (w *Walker) lookupDetail(ctx context.Context, st *walkState, topicID string) (map[string]any, error) {
	if cached, ok := st.detailCache[topicID]; ok {
		return cached.payload, cached.err
	}
	payload, err := breakerLookup(st.detailBreaker, "detail", topicID, func() (map[string]any, error) {
		return w.client.FetchTopicDetail(ctx, topicID)
	})
	st.detailCache[topicID] = &lookupResult{payload: payload, err: err}
	return payload, err
}

func (w *Walker) lookupMulti(ctx context.Context, st *walkState, topicID string) (map[string]any, error) {
	if cached, ok := st.multiCache[topicID]; ok {
		return cached.payload, cached.err
	}
	payload, err := breakerLookup(st.multiBreaker, "multi", topicID, func() (map[string]any, error) {
		return w.client.FetchMultiDetail(ctx, topicID)
	})
	st.multiCache[topicID] = &lookupResult{payload: payload, err: err}
	return payload, err
}

// breakerLookup gates fetch behind breaker's open/closed state so a tripped
// endpoint issues no further calls for the rest of the walk, then routes
// only the not-found-or-success outcome through the breaker's own
// accounting. A transient (non-not-found) error is logged and returned
// without touching the breaker's consecutive-failure counter at all, so it
// neither trips nor resets the not-found streak.
func breakerLookup(breaker *gobreaker.CircuitBreaker, endpoint, topicID string, fetch func() (map[string]any, error)) (map[string]any, error) {
	if breaker.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("catalog: %s breaker open for topic %s: %w", endpoint, topicID, gobreaker.ErrOpenState)
	}
	payload, err := fetch()
	if err != nil && !errors.Is(err, venue.ErrNotFound) {
		logger.Warn("catalog: %s lookup failed for topic %s: %v", endpoint, topicID, err)
		return nil, err
	}
	result, berr := breaker.Execute(func() (interface{}, error) {
		return payload, err
	})
	if berr != nil {
		return nil, berr
	}
	payload, _ = result.(map[string]any)
	return payload, err
}
