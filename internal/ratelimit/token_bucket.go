package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket limits inbound signaling messages per connection. It starts
// full and refills at fillRate tokens/sec up to capacityTokens.
//
// Time is read from Clock so tests can drive refill deterministically.
type TokenBucket struct {
	clock   Clock
	limiter *rate.Limiter
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacityTokens < 0 {
		capacityTokens = 0
	}
	if capacityTokens > math.MaxInt32 {
		capacityTokens = math.MaxInt32
	}
	if fillRate < 0 {
		fillRate = 0
	}

	return &TokenBucket{
		clock:   clock,
		limiter: rate.NewLimiter(rate.Limit(fillRate), int(capacityTokens)),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	if tokens > math.MaxInt32 {
		return false
	}
	return b.limiter.AllowN(b.clock.Now(), int(tokens))
}
