package main

import (
	"github.com/smallbiznis/shadowfiend/internal/authorization"
	"github.com/smallbiznis/shadowfiend/internal/clock"
	"github.com/smallbiznis/shadowfiend/internal/config"
	"github.com/smallbiznis/shadowfiend/internal/coordination"
	"github.com/smallbiznis/shadowfiend/internal/identity"
	"github.com/smallbiznis/shadowfiend/internal/ledger"
	"github.com/smallbiznis/shadowfiend/internal/metering"
	"github.com/smallbiznis/shadowfiend/internal/migration"
	"github.com/smallbiznis/shadowfiend/internal/observability"
	"github.com/smallbiznis/shadowfiend/internal/processor"
	"github.com/smallbiznis/shadowfiend/internal/ratelimit"
	"github.com/smallbiznis/shadowfiend/internal/reclaimer"
	"github.com/smallbiznis/shadowfiend/internal/server"
	"github.com/smallbiznis/shadowfiend/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func newProcessorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "processor",
		Short: "Run the reconciliation loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(processorOptions())
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func processorOptions() fx.Option {
	return fx.Options(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,

		// Functional Domains
		authorization.Module,
		ledger.Module,
		identity.Module,
		metering.Module,
		coordination.Module,
		ratelimit.Module,
		reclaimer.Module,
		processor.Module,
	)
}
