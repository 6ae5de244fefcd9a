package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/shadowfiend/internal/clock"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(
		func(client *redis.Client, clk clock.Clock) *TokenBucket {
			return NewTokenBucket(client, clk.Now)
		},
		NewThrottle,
	),
)
