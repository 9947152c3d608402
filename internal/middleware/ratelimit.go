package middleware

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the failed-auth budget per client IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs caps how many client IPs are remembered at once.
	DefaultMaxTrackedIPs = 10000

	defaultStaleAfter = 5 * time.Minute
	sweepInterval     = time.Minute
)

// RateLimiter throttles authentication by client IP. Each IP gets a budget of
// failed attempts that refills continuously. Once the budget is spent the IP
// is refused until it refills, whether or not its next token is valid.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*failureBudget
	limit      rate.Limit
	burst      int
	maxIPs     int
	staleAfter time.Duration
	now        func() time.Time
}

type failureBudget struct {
	limiter  *rate.Limiter
	lastFail time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithMaxTrackedIPs caps the number of tracked IPs. The IP whose last failure
// is oldest is forgotten first.
func WithMaxTrackedIPs(n int) RateLimiterOption {
	return func(rl *RateLimiter) {
		if n > 0 {
			rl.maxIPs = n
		}
	}
}

// WithStaleAfter forgets an IP once it has not failed for d. d should be at
// least a minute so a forgotten IP would have refilled anyway.
func WithStaleAfter(d time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		if d > 0 {
			rl.staleAfter = d
		}
	}
}

// NewRateLimiter allows maxPerMinute failed attempts per IP (0 means
// DefaultMaxAttemptsPerMinute). Stale IPs are swept until ctx is done.
func NewRateLimiter(ctx context.Context, maxPerMinute int, opts ...RateLimiterOption) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	rl := &RateLimiter{
		clients:    make(map[string]*failureBudget),
		limit:      rate.Limit(float64(maxPerMinute) / 60),
		burst:      maxPerMinute,
		maxIPs:     DefaultMaxTrackedIPs,
		staleAfter: defaultStaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	go rl.sweepLoop(ctx)
	return rl
}

// Blocked reports whether ip has spent its failure budget.
func (rl *RateLimiter) Blocked(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.clients[ip]
	if !ok {
		return false
	}
	return b.limiter.TokensAt(rl.now()) < 1
}

// Fail charges one failed attempt to ip and reports whether it went over
// budget.
func (rl *RateLimiter) Fail(ip string) (throttled bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.clients[ip]
	if !ok {
		if len(rl.clients) >= rl.maxIPs {
			rl.forgetOldestLocked()
		}
		b = &failureBudget{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = b
	}
	b.lastFail = now
	return !b.limiter.AllowN(now, 1)
}

// Tracked returns the number of IPs with a recorded failure.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.staleAfter)
	for ip, b := range rl.clients {
		if b.lastFail.Before(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

func (rl *RateLimiter) forgetOldestLocked() {
	var oldestIP string
	var oldest time.Time
	for ip, b := range rl.clients {
		if oldestIP == "" || b.lastFail.Before(oldest) {
			oldestIP, oldest = ip, b.lastFail
		}
	}
	delete(rl.clients, oldestIP)
}
