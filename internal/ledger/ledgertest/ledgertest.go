// Package ledgertest wires a ledger service over in-memory SQLite for tests.
package ledgertest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/shadowfiend/internal/authorization"
	"github.com/smallbiznis/shadowfiend/internal/clock"
	"github.com/smallbiznis/shadowfiend/internal/config"
	ledgerdomain "github.com/smallbiznis/shadowfiend/internal/ledger/domain"
	"github.com/smallbiznis/shadowfiend/internal/ledger/repository"
	"github.com/smallbiznis/shadowfiend/internal/ledger/service"
	obsmetrics "github.com/smallbiznis/shadowfiend/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var schema = []string{
	`CREATE TABLE accounts (
		user_id TEXT PRIMARY KEY,
		domain_id TEXT,
		balance DECIMAL(20,4) NOT NULL DEFAULT 0,
		frozen_balance DECIMAL(20,4) NOT NULL DEFAULT 0,
		consumption DECIMAL(20,4) NOT NULL DEFAULT 0,
		level INTEGER NOT NULL DEFAULT 3,
		owed BOOLEAN NOT NULL DEFAULT 0,
		owed_at DATETIME,
		deleted BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME,
		deleted_at DATETIME
	)`,
	`CREATE TABLE projects (
		project_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		domain_id TEXT,
		consumption DECIMAL(20,4) NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE user_project (
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		domain_id TEXT,
		consumption DECIMAL(20,4) NOT NULL DEFAULT 0,
		created_at DATETIME,
		updated_at DATETIME,
		PRIMARY KEY (user_id, project_id)
	)`,
	`CREATE TABLE orders (
		order_id TEXT PRIMARY KEY,
		resource_id TEXT,
		resource_name TEXT,
		type TEXT,
		status TEXT NOT NULL,
		unit_price DECIMAL(20,4) NOT NULL DEFAULT 0,
		unit TEXT,
		total_price DECIMAL(20,4) NOT NULL DEFAULT 0,
		cron_time DATETIME,
		date_time DATETIME,
		owed BOOLEAN NOT NULL DEFAULT 0,
		charged BOOLEAN NOT NULL DEFAULT 0,
		renew BOOLEAN NOT NULL DEFAULT 0,
		renew_method TEXT,
		renew_period INTEGER,
		user_id TEXT,
		project_id TEXT,
		region_id TEXT,
		domain_id TEXT,
		created_at DATETIME,
		updated_at DATETIME
	)`,
	`CREATE TABLE charges (
		charge_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		domain_id TEXT,
		value DECIMAL(20,4) NOT NULL,
		type TEXT,
		come_from TEXT,
		trading_number TEXT,
		operator TEXT,
		remarks TEXT,
		metadata TEXT,
		charge_time DATETIME,
		created_at DATETIME
	)`,
	`CREATE TABLE bills (
		bill_id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		user_id TEXT,
		project_id TEXT,
		type TEXT,
		status TEXT,
		unit_price DECIMAL(20,4) NOT NULL DEFAULT 0,
		unit TEXT,
		total_price DECIMAL(20,4) NOT NULL DEFAULT 0,
		start_time DATETIME,
		end_time DATETIME,
		created_at DATETIME
	)`,
	`CREATE TABLE consumption_windows (
		project_id TEXT NOT NULL,
		window_start DATETIME NOT NULL,
		user_id TEXT NOT NULL,
		amount DECIMAL(20,4) NOT NULL,
		created_at DATETIME,
		PRIMARY KEY (project_id, window_start)
	)`,
}

// NewDB opens an isolated in-memory database with the ledger schema.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// Options overrides the collaborators of NewService.
type Options struct {
	Repo          ledgerdomain.Repository
	Clock         clock.Clock
	CASMaxRetries int
	CASBackoff    time.Duration
	Metrics       *obsmetrics.Metrics
}

// NewService builds a ledger service with an in-memory authorization enforcer.
func NewService(t *testing.T, db *gorm.DB, opts Options) ledgerdomain.Service {
	t.Helper()

	enforcer, err := authorization.NewMemoryEnforcer()
	if err != nil {
		t.Fatalf("enforcer: %v", err)
	}
	authz := authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer})

	repo := opts.Repo
	if repo == nil {
		repo = repository.Provide()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	}
	maxRetries := opts.CASMaxRetries
	if maxRetries == 0 {
		maxRetries = 5
	}

	return service.NewService(service.Params{
		DB:         db,
		Log:        zap.NewNop(),
		Repo:       repo,
		Authz:      authz,
		Clock:      clk,
		ObsMetrics: opts.Metrics,
		Config: config.Config{
			Ledger: config.LedgerConfig{CASMaxRetries: maxRetries, CASBackoff: opts.CASBackoff},
		},
	})
}
