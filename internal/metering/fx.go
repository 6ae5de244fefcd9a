package metering

import (
	"github.com/smallbiznis/shadowfiend/internal/config"
	"github.com/smallbiznis/shadowfiend/internal/identity"
	"github.com/smallbiznis/shadowfiend/pkg/httpclient"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("metering",
	fx.Provide(
		provideBackend,
		NewFetcher,
	),
)

func provideBackend(cfg config.Config, log *zap.Logger, tokens *identity.Client) *Backend {
	httpCfg := httpclient.DefaultConfig("gnocchi")
	httpCfg.Timeout = cfg.Metering.RequestTimeout
	return NewBackend(cfg.Metering.Endpoint, httpclient.New(httpCfg, log), tokens)
}
