package reclaimer

import (
	"github.com/smallbiznis/shadowfiend/internal/config"
	"github.com/smallbiznis/shadowfiend/internal/identity"
	"github.com/smallbiznis/shadowfiend/internal/metering"
	"github.com/smallbiznis/shadowfiend/internal/ratelimit"
	"github.com/smallbiznis/shadowfiend/pkg/httpclient"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("reclaimer",
	fx.Provide(
		provideInfraClient,
		func(c *InfraClient) map[string]Dropper { return c.Droppers() },
		func(f *metering.Fetcher) ResourceLister { return f },
		func(t *ratelimit.Throttle) Throttle { return t },
		New,
	),
)

func provideInfraClient(cfg config.Config, log *zap.Logger, tokens *identity.Client) *InfraClient {
	httpCfg := httpclient.DefaultConfig("infrastructure")
	httpCfg.Timeout = cfg.Infrastructure.RequestTimeout
	return NewInfraClient(cfg.Infrastructure, httpclient.New(httpCfg, log), tokens)
}
