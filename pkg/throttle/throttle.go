// Package throttle bounds gateway submission rates per acting party. A
// denied submission surfaces as a transient fault so the retry layer backs
// off and tries again instead of failing the round outright.
package throttle

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
)

// Policy defines the token bucket shape applied to each party.
type Policy struct {
	PerSecond float64 `json:"per_second" yaml:"per_second"`
	Burst     int     `json:"burst" yaml:"burst"`
}

// Throttle gates a submission for the given acting party. A nil return means
// proceed; a denial is a *fault.Error coded RATE_LIMITED.
type Throttle interface {
	Allow(ctx context.Context, party string) error
}

// NoLimit admits everything. Used when throttling is disabled in config.
type NoLimit struct{}

func (NoLimit) Allow(context.Context, string) error { return nil }

// Local throttles within a single process, one bucket per party.
type Local struct {
	policy Policy

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocal builds an in-process throttle.
func NewLocal(policy Policy) *Local {
	return &Local{
		policy:  policy,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *Local) Allow(_ context.Context, party string) error {
	l.mu.Lock()
	lim, ok := l.buckets[party]
	if !ok {
		perSec := l.policy.PerSecond
		if perSec <= 0 {
			perSec = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSec), l.policy.Burst)
		l.buckets[party] = lim
	}
	l.mu.Unlock()

	if !lim.Allow() {
		return fault.Coded(fault.CodeRateLimited, "throttle.Allow",
			"submission rate exceeded for "+party)
	}
	return nil
}
