package authplus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	operrors "github.com/dc-tec/ota-deploy-state/internal/errors"
)

const (
	defaultRateLimitQPS   = 10.0
	defaultRateLimitBurst = 20

	defaultFailureThreshold = 50
	defaultCooldown         = 30 * time.Second
)

// hostGuard throttles calls to one AuthPlus host and stops calling a route that
// keeps failing. It outlives a single Client so that the per-tick clients of
// the same deployment share failure history.
type hostGuard struct {
	limiter *rate.Limiter

	mu     sync.Mutex
	routes map[string]*routeHealth

	failureThreshold int
	cooldown         time.Duration
}

// routeHealth counts consecutive failures of one route. Once the count reaches
// the threshold the route is blocked until blockedUntil; the first call after
// that is a trial, and a failed trial blocks the route again straight away.
type routeHealth struct {
	failures     int
	blockedUntil time.Time
}

var hostGuards sync.Map // host -> *hostGuard

func guardFor(host string, cfg ClientConfig) *hostGuard {
	if host == "" {
		return nil
	}
	if existing, ok := hostGuards.Load(host); ok {
		return existing.(*hostGuard)
	}

	qps := cfg.RateLimitQPS
	if qps <= 0 {
		qps = defaultRateLimitQPS
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	cooldown := cfg.FailureCooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}

	guard := &hostGuard{
		limiter:          rate.NewLimiter(rate.Limit(qps), burst),
		routes:           make(map[string]*routeHealth),
		failureThreshold: threshold,
		cooldown:         cooldown,
	}
	actual, _ := hostGuards.LoadOrStore(host, guard)
	return actual.(*hostGuard)
}

// wait blocks until the rate limiter admits a call on route, or fails fast when
// the route is cooling down after repeated failures.
func (g *hostGuard) wait(ctx context.Context, route string) error {
	if g == nil {
		return nil
	}

	g.mu.Lock()
	health := g.routes[route]
	if health != nil && time.Now().Before(health.blockedUntil) {
		remaining := time.Until(health.blockedUntil).Truncate(time.Second)
		g.mu.Unlock()
		return operrors.WrapTransientConnection(
			fmt.Errorf("auth plus route %q is failing, skipping calls for another %s", route, remaining))
	}
	g.mu.Unlock()

	return g.limiter.Wait(ctx)
}

// record updates the failure count of route. Only connection failures and
// overload responses count; a 4xx answer is a healthy server saying no.
func (g *hostGuard) record(route string, ok bool) {
	if g == nil {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	health := g.routes[route]
	if health == nil {
		health = &routeHealth{}
		g.routes[route] = health
	}
	if ok {
		health.failures = 0
		health.blockedUntil = time.Time{}
		return
	}
	health.failures++
	if health.failures >= g.failureThreshold {
		health.blockedUntil = time.Now().Add(g.cooldown)
	}
}
