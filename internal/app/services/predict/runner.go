package predict

import (
	"context"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/crunchdao/coordinator-node-starter/internal/app/contract"
	"github.com/crunchdao/coordinator-node-starter/internal/app/eventbus"
	"github.com/crunchdao/coordinator-node-starter/pkg/logger"
)

// ModelClient is the RPC surface a live model exposes to the orchestrator.
// Tick primes stateful models ahead of Predict; implementations for
// stateless models can make Tick a no-op.
type ModelClient interface {
	Tick(ctx context.Context) error
	Predict(ctx context.Context, input contract.InferenceInput) (contract.InferenceOutput, error)
}

// outcome classifies one invokeModel result for quarantine bookkeeping.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeTimeout
)

type modelState struct {
	client              ModelClient
	consecutiveFailures atomic.Int32
	consecutiveTimeouts atomic.Int32
}

// Runner holds the live model set, the only shared mutable state outside the
// store. It is the single writer; callers only read a point-in-time copy via
// Live(). Models are bounded by an LRU cache sized well above the expected
// live set so recency eviction is a backstop, not the primary eviction path
// — consecutive-failure/timeout quarantine (RecordOutcome) is.
type Runner struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *modelState]

	failureThreshold int
	timeoutThreshold int

	bus *eventbus.Bus
	log *logger.Logger
}

// NewRunner builds a Runner. capacity bounds the LRU cache; failureThreshold
// and timeoutThreshold are the consecutive-outcome counts that evict a model.
func NewRunner(capacity, failureThreshold, timeoutThreshold int, bus *eventbus.Bus, log *logger.Logger) *Runner {
	if capacity <= 0 {
		capacity = 4096
	}
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if timeoutThreshold <= 0 {
		timeoutThreshold = 3
	}
	cache, _ := lru.New[string, *modelState](capacity)
	return &Runner{
		cache:            cache,
		failureThreshold: failureThreshold,
		timeoutThreshold: timeoutThreshold,
		bus:              bus,
		log:              log,
	}
}

// Register adds or replaces a live model, resetting its quarantine counters.
func (r *Runner) Register(modelID string, client ModelClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Add(modelID, &modelState{client: client})
}

// Unregister removes a model from the live set.
func (r *Runner) Unregister(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Remove(modelID)
}

// Live returns the model IDs currently eligible for fan-out. The slice is a
// point-in-time copy; concurrent Register/Unregister calls do not affect it.
func (r *Runner) Live() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cache.Keys()
}

// Client returns the live client for modelID, or false if it is not (or no
// longer) registered.
func (r *Runner) Client(modelID string) (ModelClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.cache.Get(modelID)
	if !ok {
		return nil, false
	}
	return st.client, true
}

// RecordOutcome updates modelID's consecutive-failure/timeout counters and
// evicts it once either crosses its configured threshold.
func (r *Runner) RecordOutcome(ctx context.Context, modelID string, o outcome) {
	r.mu.RLock()
	st, ok := r.cache.Get(modelID)
	r.mu.RUnlock()
	if !ok {
		return
	}

	switch o {
	case outcomeSuccess:
		st.consecutiveFailures.Store(0)
		st.consecutiveTimeouts.Store(0)
		return
	case outcomeTimeout:
		st.consecutiveFailures.Store(0)
		if st.consecutiveTimeouts.Add(1) < int32(r.timeoutThreshold) {
			return
		}
	case outcomeFailure:
		st.consecutiveTimeouts.Store(0)
		if st.consecutiveFailures.Add(1) < int32(r.failureThreshold) {
			return
		}
	}

	r.Unregister(modelID)
	r.log.WithField("model_id", modelID).Warn("predict: model quarantined after consecutive outcome threshold")
	if r.bus != nil {
		_ = r.bus.Publish(ctx, eventbus.EventModelQuarantined, eventbus.Alert{
			Event: eventbus.EventModelQuarantined, Subject: modelID, Message: "consecutive failure/timeout threshold exceeded",
		})
	}
}
