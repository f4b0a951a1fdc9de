package screening

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veloxpay/sentinel/internal/clock"
	"github.com/veloxpay/sentinel/internal/config"
	"github.com/veloxpay/sentinel/internal/metrics"
	"github.com/veloxpay/sentinel/pkg/models"
)

// Outcome is the aggregated result of screening one identity.
type Outcome struct {
	// Results holds one entry per (provider, list) consulted.
	Results []models.ScreeningResult
	// Status is the worst-of aggregate over the available results.
	Status models.ScreeningStatus
	// Unavailable is set when at least one provider could not answer. The
	// engine folds this into a SCREENING_UNAVAILABLE signal.
	Unavailable bool
	// StaleOK tells the engine it may proceed on whatever it has, per the
	// tenant's fail_closed policy.
	StaleOK bool
}

// Service coordinates providers behind the TTL cache with bounded
// concurrency, retries, and per-provider circuit breakers.
type Service struct {
	mu        sync.RWMutex
	logger    *zap.SugaredLogger
	clock     clock.Clock
	cache     Cache
	metrics   *metrics.Metrics
	providers map[string]Provider
	breakers  map[string]*CircuitBreaker
	sem       chan struct{}
}

// NewService creates a screening service with the given concurrency bound.
func NewService(logger *zap.SugaredLogger, clk clock.Clock, cache Cache, m *metrics.Metrics, concurrency int) *Service {
	if clk == nil {
		clk = clock.System()
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Service{
		logger:    logger,
		clock:     clk,
		cache:     cache,
		metrics:   m,
		providers: make(map[string]Provider),
		breakers:  make(map[string]*CircuitBreaker),
		sem:       make(chan struct{}, concurrency),
	}
}

// Register adds a provider implementation by name.
func (s *Service) Register(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.Name()] = p
	if _, ok := s.breakers[p.Name()]; !ok {
		s.breakers[p.Name()] = NewCircuitBreaker(s.clock, time.Minute, 5, 0.5, 30*time.Second)
	}
}

func (s *Service) provider(name string) (Provider, *CircuitBreaker) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providers[name], s.breakers[name]
}

type task struct {
	provider config.Provider
	list     models.ListKind
}

// Screen checks one identity hash against the given lists using the tenant's
// provider set. A CONFIRMED_MATCH short-circuits the remaining queries.
func (s *Service) Screen(ctx context.Context, tenant *config.Tenant, identityHash string, lists []models.ListKind) *Outcome {
	ctx, cancel := context.WithTimeout(ctx, tenant.Timeouts.ScreeningTotal)
	defer cancel()

	var tasks []task
	for _, pc := range tenant.Providers {
		for _, listName := range pc.Lists {
			list := models.ListKind(listName)
			for _, want := range lists {
				if list == want {
					tasks = append(tasks, task{provider: pc, list: list})
				}
			}
		}
	}

	out := &Outcome{Status: models.ScreeningClear}
	if len(tasks) == 0 {
		return out
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		confirm = make(chan struct{})
		once    sync.Once
	)
	for _, t := range tasks {
		// Cache first; hits skip the pool entirely.
		if res, ok := s.cache.Get(ctx, tenant.TenantID, identityHash, t.provider.Name, t.list); ok {
			s.metrics.ScreeningCacheHit.WithLabelValues("hit").Inc()
			mu.Lock()
			out.Results = append(out.Results, *res)
			mu.Unlock()
			continue
		}
		s.metrics.ScreeningCacheHit.WithLabelValues("miss").Inc()

		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			select {
			case s.sem <- struct{}{}:
				defer func() { <-s.sem }()
			case <-ctx.Done():
				mu.Lock()
				out.Unavailable = true
				mu.Unlock()
				return
			case <-confirm:
				return
			}

			res, err := s.query(ctx, tenant, t, identityHash)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Unavailable = true
				out.Results = append(out.Results, models.ScreeningResult{
					IdentityHash: identityHash,
					Provider:     t.provider.Name,
					List:         t.list,
					Status:       models.ScreeningUnavailable,
					CheckedAt:    s.clock.Now(),
					StaleOK:      true,
				})
				return
			}
			out.Results = append(out.Results, *res)
			if res.Status == models.ScreeningConfirmedMatch {
				once.Do(func() { close(confirm) })
			}
		}(t)
	}
	wg.Wait()

	for i := range out.Results {
		if worse(out.Results[i].Status, out.Status) {
			out.Status = out.Results[i].Status
		}
	}
	if out.Status == models.ScreeningUnavailable {
		// Only failures answered; downgrade the aggregate so callers branch
		// on Unavailable rather than treating it as a list verdict.
		out.Status = models.ScreeningClear
	}
	out.StaleOK = out.Unavailable
	return out
}

// query runs one provider call with retry, backoff, breaker, and timeout.
func (s *Service) query(ctx context.Context, tenant *config.Tenant, t task, identityHash string) (*models.ScreeningResult, error) {
	p, cb := s.provider(t.provider.Name)
	if p == nil {
		p = &UnimplementedProvider{ProviderName: t.provider.Name}
		cb = nil
	}

	retries := t.provider.MaxRetries
	if retries <= 0 {
		retries = 2
	}
	backoff := t.provider.Backoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if cb != nil && !cb.Allow() {
			s.metrics.BreakerOpen.WithLabelValues(t.provider.Name).Set(1)
			return nil, context.DeadlineExceeded
		}
		if cb != nil {
			s.metrics.BreakerOpen.WithLabelValues(t.provider.Name).Set(0)
		}

		callCtx, cancel := context.WithTimeout(ctx, tenant.Timeouts.ScreeningPerProvider)
		res, err := p.Check(callCtx, identityHash, t.list)
		cancel()

		if cb != nil {
			cb.Record(err == nil)
		}
		if err == nil {
			if res.TTL <= 0 {
				res.TTL = tenant.ScreeningTTL
			}
			if res.CheckedAt.IsZero() {
				res.CheckedAt = s.clock.Now()
			}
			s.cache.Put(ctx, tenant.TenantID, res)
			return res, nil
		}

		lastErr = err
		s.metrics.ScreeningFailures.WithLabelValues(t.provider.Name).Inc()
		if ctx.Err() != nil {
			break
		}
		select {
		case <-time.After(backoff << uint(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.logger.Warnw("screening provider failed",
		"provider", t.provider.Name,
		"list", t.list,
		"error", lastErr)
	return nil, lastErr
}

// worse reports whether a is a stronger verdict than b.
func worse(a, b models.ScreeningStatus) bool {
	return StatusRank(a) > StatusRank(b)
}

// StatusRank orders screening verdicts from weakest to strongest.
func StatusRank(s models.ScreeningStatus) int {
	switch s {
	case models.ScreeningConfirmedMatch:
		return 3
	case models.ScreeningPotentialMatch:
		return 2
	case models.ScreeningClear:
		return 1
	case models.ScreeningUnavailable:
		return 0
	}
	return 0
}
