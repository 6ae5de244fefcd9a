package ratelimit

import (
	"context"
	"time"

	"github.com/smallbiznis/shadowfiend/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyPrefix    = "shadowfiend:ratelimit:"
	minRetryWait = 10 * time.Millisecond
)

type ThrottleParams struct {
	fx.In

	Log    *zap.Logger
	Bucket *TokenBucket
	Policy *config.PolicyHolder
}

// Throttle blocks callers until the shared reclaim budget has room.
type Throttle struct {
	log    *zap.Logger
	bucket *TokenBucket
	policy *config.PolicyHolder
}

func NewThrottle(p ThrottleParams) *Throttle {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Throttle{
		log:    log.Named("ratelimit"),
		bucket: p.Bucket,
		policy: p.Policy,
	}
}

// Wait returns once a token for scope is granted or ctx ends. A non-positive
// reclaim rate disables throttling.
func (t *Throttle) Wait(ctx context.Context, scope string) error {
	policy := t.policy.Get()
	if policy.ReclaimRate <= 0 {
		return nil
	}
	burst := policy.ReclaimBurst
	if burst <= 0 {
		burst = 1
	}

	key := keyPrefix + scope
	for {
		res, err := t.bucket.Allow(ctx, key, policy.ReclaimRate, burst)
		if err != nil {
			// fail open when redis is unreachable
			t.log.Warn("ratelimit.allow.failed", zap.String("scope", scope), zap.Error(err))
			return ctx.Err()
		}
		if res.Allowed {
			return nil
		}

		wait := res.RetryAfter
		if wait < minRetryWait {
			wait = minRetryWait
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
