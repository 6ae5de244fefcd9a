package processor

import (
	"context"
	"fmt"

	"github.com/smallbiznis/shadowfiend/internal/coordination"
	"github.com/smallbiznis/shadowfiend/internal/identity"
	"github.com/smallbiznis/shadowfiend/internal/metering"
	"github.com/smallbiznis/shadowfiend/internal/reclaimer"
	"go.uber.org/fx"
)

var Module = fx.Module("processor",
	fx.Provide(
		func(f *metering.Fetcher) UsageFetcher { return f },
		func(c *identity.Client) Identity { return c },
		func(r *reclaimer.Reclaimer) Reclaimer { return r },
		func(c *coordination.Coordinator) Locker { return c },
		New,
	),
	fx.Invoke(StartProcessor),
)

// StartProcessor prepares the metering storage and runs passes in the background
// for the lifetime of the application.
func StartProcessor(lc fx.Lifecycle, fetcher *metering.Fetcher, p *Processor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := fetcher.InitStorage(ctx); err != nil {
				return fmt.Errorf("init metering storage: %w", err)
			}

			runCtx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				p.RunForever(runCtx)
			}()

			lc.Append(fx.Hook{
				OnStop: func(stopCtx context.Context) error {
					cancel()
					select {
					case <-done:
					case <-stopCtx.Done():
					}
					return nil
				},
			})
			return nil
		},
	})
}
