package coordination

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/shadowfiend/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("coordination",
	fx.Provide(
		NewRedisClient,
		func(client *redis.Client) *Locker { return NewLocker(client) },
		NewCoordinator,
	),
)

func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.RedisAddr),
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}
