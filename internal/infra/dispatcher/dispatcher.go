// Package dispatcher executes a routed Intent: locally via an IntentHandler,
// or remotely via Transport.ForwardIntent, retrying across distinct nodes on
// failure, with bounded admission and per-node circuit breaking.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/atmosphere-mesh/atmosphere/internal/domain"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/healing"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/metrics"
	"github.com/atmosphere-mesh/atmosphere/internal/infra/router"
)

// DefaultDeadline is the timeout applied to an intent that carries no
// deadline_ms of its own.
const DefaultDeadline = 30 * time.Second

// DefaultMaxRetries is how many further distinct nodes the dispatcher will
// try after the first attempt fails, before giving up.
const DefaultMaxRetries = 2

// Config bounds dispatcher behavior.
type Config struct {
	DefaultDeadline time.Duration
	MaxRetries      int
	QueueCapacity   int // max intents in flight before ErrOverloaded
	ResultCacheSize int
	CircuitBreaker  healing.CircuitBreakerConfig
	Quarantine      healing.QuarantineConfig
}

// DefaultConfig returns the documented dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		DefaultDeadline: DefaultDeadline,
		MaxRetries:      DefaultMaxRetries,
		QueueCapacity:   256,
		ResultCacheSize: 2048,
		CircuitBreaker:  healing.DefaultCircuitBreakerConfig(),
		Quarantine:      healing.DefaultQuarantineConfig(),
	}
}

type cachedResult struct {
	response domain.IntentResponse
	expires  time.Time
}

// Dispatcher executes routed intents, locally or remotely, with retry and
// result caching.
type Dispatcher struct {
	self      domain.NodeID
	cascade   *router.Cascade
	handler   domain.IntentHandler // nil if this node runs no local handlers
	transport domain.Transport     // nil if this node cannot reach remote peers
	cfg       Config
	now       func() time.Time

	inFlight chan struct{} // bounded semaphore; len(inFlight) == current queue depth

	breakersMu sync.Mutex
	breakers   map[domain.NodeID]*healing.CircuitBreaker
	quarantine *healing.QuarantineManager

	resultCache *lru.Cache[string, cachedResult]
	resultMu    sync.Mutex
}

// New builds a Dispatcher. handler and transport may each be nil; at least
// one of them must be non-nil for Dispatch to ever succeed, but the
// dispatcher does not enforce that — a node with neither simply fails every
// intent with ErrTransportUnavailable / ErrHandlerFailed.
func New(self domain.NodeID, cascade *router.Cascade, handler domain.IntentHandler, transport domain.Transport, cfg Config) *Dispatcher {
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = DefaultDeadline
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	cache, _ := lru.New[string, cachedResult](cfg.ResultCacheSize)
	return &Dispatcher{
		self:        self,
		cascade:     cascade,
		handler:     handler,
		transport:   transport,
		cfg:         cfg,
		now:         time.Now,
		inFlight:    make(chan struct{}, cfg.QueueCapacity),
		breakers:    make(map[domain.NodeID]*healing.CircuitBreaker),
		quarantine:  healing.NewQuarantineManager(cfg.Quarantine),
		resultCache: cache,
	}
}

// Dispatch routes and executes one intent end to end, applying the
// configured deadline, retrying across up to MaxRetries distinct nodes on
// failure, and honoring the intent's result cache directive.
func (d *Dispatcher) Dispatch(ctx context.Context, intent domain.Intent) (domain.IntentResponse, error) {
	start := d.now()

	if intent.Cache.Key != "" {
		if resp, ok := d.cachedResponse(intent.Cache.Key); ok {
			return resp, nil
		}
	}

	select {
	case d.inFlight <- struct{}{}:
		metrics.DispatchQueueDepth.Set(float64(len(d.inFlight)))
		defer func() {
			<-d.inFlight
			metrics.DispatchQueueDepth.Set(float64(len(d.inFlight)))
		}()
	default:
		metrics.DispatchOverloaded.Inc()
		return domain.IntentResponse{ID: intent.ID, Status: domain.IntentFailed}, domain.ErrOverloaded
	}

	deadline := intent.Deadline(intent.CreatedAt)
	if deadline.IsZero() {
		deadline = intent.CreatedAt.Add(d.cfg.DefaultDeadline)
		if intent.CreatedAt.IsZero() {
			deadline = start.Add(d.cfg.DefaultDeadline)
		}
	}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	excluded := make(map[domain.NodeID]bool)
	var lastErr error
	var warnings []string

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		var decision domain.RouteDecision
		var routeWarnings []string
		var err error
		if attempt == 0 {
			decision, routeWarnings, err = d.cascade.Route(dctx, intent)
		} else {
			decision, routeWarnings, err = d.cascade.RouteExcluding(dctx, intent, excluded)
		}
		if err != nil {
			if errors.Is(err, domain.ErrDeadlineExceeded) {
				return domain.IntentResponse{ID: intent.ID, Status: domain.IntentTimeout, LatencyMs: millisSince(d.now(), start)}, err
			}
			return domain.IntentResponse{ID: intent.ID, Status: domain.IntentFailed, LatencyMs: millisSince(d.now(), start)}, err
		}
		warnings = append(warnings, routeWarnings...)

		if dctx.Err() != nil {
			return domain.IntentResponse{ID: intent.ID, Status: domain.IntentTimeout, LatencyMs: millisSince(d.now(), start)}, domain.ErrDeadlineExceeded
		}

		if d.quarantine.IsQuarantined(string(decision.NodeID)) {
			excluded[decision.NodeID] = true
			lastErr = domain.ErrNodeQuarantined
			continue
		}
		breaker := d.breakerFor(decision.NodeID)
		if err := breaker.Allow(); err != nil {
			excluded[decision.NodeID] = true
			lastErr = err
			continue
		}

		result, execErr := d.execute(dctx, decision, intent)
		if execErr == nil {
			breaker.RecordSuccess()
			resp := domain.IntentResponse{
				ID:        intent.ID,
				Status:    domain.IntentCompleted,
				Result:    result,
				RoutedTo:  decision.NodeID,
				TierHit:   decision.TierHit,
				LatencyMs: millisSince(d.now(), start),
				Warnings:  dedupWarnings(warnings),
			}
			if intent.Cache.Key != "" {
				d.cacheResponse(intent.Cache.Key, resp, ttlOverride(intent))
			}
			metrics.DispatchLatency.WithLabelValues(string(resp.Status)).Observe(d.now().Sub(start).Seconds())
			return resp, nil
		}

		breaker.RecordFailure()
		d.quarantine.RecordFailure(string(decision.NodeID))
		excluded[decision.NodeID] = true
		lastErr = execErr
		metrics.DispatchRetries.Inc()
	}

	status := domain.IntentFailed
	if dctx.Err() != nil {
		status = domain.IntentTimeout
	}
	metrics.DispatchLatency.WithLabelValues(string(status)).Observe(d.now().Sub(start).Seconds())
	return domain.IntentResponse{
		ID: intent.ID, Status: status, LatencyMs: millisSince(d.now(), start), Warnings: dedupWarnings(warnings),
	}, fmt.Errorf("dispatch exhausted retries: %w", lastErr)
}

// execute runs an intent against its decided node: in-process if it's this
// node, over Transport otherwise.
func (d *Dispatcher) execute(ctx context.Context, decision domain.RouteDecision, intent domain.Intent) ([]byte, error) {
	if decision.NodeID == d.self {
		if d.handler == nil {
			return nil, domain.ErrHandlerFailed
		}
		result, err := d.handler.Handle(ctx, intent)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrHandlerFailed, err)
		}
		return result, nil
	}
	if d.transport == nil {
		return nil, domain.ErrTransportUnavailable
	}
	resp, err := d.transport.ForwardIntent(ctx, decision.NodeID, intent)
	if err != nil {
		return nil, err
	}
	if resp.Status != domain.IntentCompleted {
		return nil, fmt.Errorf("remote node %s reported status %s", decision.NodeID, resp.Status)
	}
	return resp.Result, nil
}

func (d *Dispatcher) breakerFor(node domain.NodeID) *healing.CircuitBreaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	cb, ok := d.breakers[node]
	if !ok {
		cb = healing.NewCircuitBreaker(string(node), d.cfg.CircuitBreaker)
		d.breakers[node] = cb
	}
	return cb
}

func (d *Dispatcher) cachedResponse(key string) (domain.IntentResponse, bool) {
	d.resultMu.Lock()
	defer d.resultMu.Unlock()
	e, ok := d.resultCache.Get(key)
	if !ok {
		return domain.IntentResponse{}, false
	}
	if d.now().After(e.expires) {
		d.resultCache.Remove(key)
		return domain.IntentResponse{}, false
	}
	return e.response, true
}

// DefaultResultCacheTTL applies when an intent's cache directive carries no
// explicit ttl_s.
const DefaultResultCacheTTL = 5 * time.Minute

func (d *Dispatcher) cacheResponse(key string, resp domain.IntentResponse, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultResultCacheTTL
	}
	d.resultMu.Lock()
	defer d.resultMu.Unlock()
	d.resultCache.Add(key, cachedResult{response: resp, expires: d.now().Add(ttl)})
}

func ttlOverride(intent domain.Intent) time.Duration {
	if intent.Cache.TTLs > 0 {
		return time.Duration(intent.Cache.TTLs) * time.Second
	}
	return 0
}

func millisSince(now, start time.Time) int64 { return now.Sub(start).Milliseconds() }

func dedupWarnings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	var out []string
	for _, w := range in {
		if !seen[w] {
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}
