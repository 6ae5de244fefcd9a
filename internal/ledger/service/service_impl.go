package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/shadowfiend/internal/authorization"
	"github.com/smallbiznis/shadowfiend/internal/clock"
	"github.com/smallbiznis/shadowfiend/internal/config"
	ledgerdomain "github.com/smallbiznis/shadowfiend/internal/ledger/domain"
	"github.com/smallbiznis/shadowfiend/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/shadowfiend/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultCASMaxRetries = 5
	defaultCASBackoff    = 10 * time.Millisecond
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Repo             ledgerdomain.Repository
	Authz            authorization.Service
	Clock            clock.Clock
	Config           config.Config
	ObsMetrics       *obsmetrics.Metrics          `optional:"true"`
	ProcessorMetrics *obsmetrics.ProcessorMetrics `optional:"true"`
}

type Service struct {
	db               *gorm.DB
	log              *zap.Logger
	repo             ledgerdomain.Repository
	authz            authorization.Service
	clock            clock.Clock
	obsMetrics       *obsmetrics.Metrics
	processorMetrics *obsmetrics.ProcessorMetrics

	casMaxRetries int
	casBackoff    time.Duration
}

func NewService(p Params) ledgerdomain.Service {
	maxRetries := p.Config.Ledger.CASMaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultCASMaxRetries
	}
	backoff := p.Config.Ledger.CASBackoff
	if backoff < 0 {
		backoff = defaultCASBackoff
	}
	c := p.Clock
	if c == nil {
		c = clock.New()
	}
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("ledger.service"),
		repo:             p.Repo,
		authz:            p.Authz,
		clock:            c,
		obsMetrics:       p.ObsMetrics,
		processorMetrics: p.ProcessorMetrics,
		casMaxRetries:    maxRetries,
		casBackoff:       backoff,
	}
}

// casConflict aborts the current transaction so the whole unit re-reads and retries.
type casConflict struct {
	entity    string
	exhausted error
}

func (c *casConflict) Error() string {
	return fmt.Sprintf("%s changed concurrently", c.entity)
}

func conflict(entity string, exhausted error) error {
	return &casConflict{entity: entity, exhausted: exhausted}
}

// retryCAS runs fn in a fresh transaction until no compare-and-swap conflicts.
func (s *Service) retryCAS(ctx context.Context, fn func(tx *gorm.DB) error) error {
	for attempt := 0; ; attempt++ {
		err := s.db.WithContext(ctx).Transaction(fn)

		var cas *casConflict
		if !errors.As(err, &cas) {
			return err
		}
		s.processorMetrics.IncCASRetry(cas.entity)
		if attempt >= s.casMaxRetries {
			logger.WithContext(ctx, s.log).Warn("ledger.cas.exhausted",
				zap.String("entity", cas.entity),
				zap.Int("attempts", attempt+1),
			)
			return fmt.Errorf("%w: %s retries exhausted after %d attempts", cas.exhausted, cas.entity, attempt+1)
		}
		if err := sleepCtx(ctx, s.casBackoff*time.Duration(attempt+1)); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// mutateAccount reads the account inside tx, applies mutate, keeps the owed flag in sync
// with the balance, and writes the result with compare-and-swap.
func (s *Service) mutateAccount(ctx context.Context, tx *gorm.DB, userID string, mutate func(next *ledgerdomain.Account) error) (*ledgerdomain.Account, error) {
	prev, err := s.repo.FindAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, ledgerdomain.ErrAccountNotFound
	}

	next := *prev
	if err := mutate(&next); err != nil {
		return nil, err
	}

	now := s.now()
	next.Balance = ledgerdomain.Money(next.Balance)
	next.FrozenBalance = ledgerdomain.Money(next.FrozenBalance)
	next.Consumption = ledgerdomain.Money(next.Consumption)
	settleOwed(&next, prev.Owed, now)
	next.UpdatedAt = now

	ok, err := s.repo.CompareAndSwapAccount(ctx, tx, prev, &next)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conflict("account", ledgerdomain.ErrAccountUpdateFailed)
	}
	return &next, nil
}

// settleOwed keeps Owed equal to Balance < 0 and stamps OwedAt on the transition into debt.
func settleOwed(account *ledgerdomain.Account, wasOwed bool, now time.Time) {
	if account.Balance.IsNegative() {
		if !wasOwed || account.OwedAt == nil {
			owedAt := now
			account.OwedAt = &owedAt
		}
		account.Owed = true
		return
	}
	account.Owed = false
	account.OwedAt = nil
}

func (s *Service) mutateOrder(ctx context.Context, tx *gorm.DB, orderID string, mutate func(next *ledgerdomain.Order) (bool, error)) (*ledgerdomain.Order, error) {
	prev, err := s.repo.FindOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, ledgerdomain.ErrOrderNotFound
	}

	next := *prev
	changed, err := mutate(&next)
	if err != nil {
		return nil, err
	}
	if !changed {
		return prev, nil
	}
	if err := s.swapOrder(ctx, tx, prev, &next); err != nil {
		return nil, err
	}
	return &next, nil
}

func (s *Service) swapOrder(ctx context.Context, tx *gorm.DB, prev, next *ledgerdomain.Order) error {
	next.UnitPrice = ledgerdomain.Money(next.UnitPrice)
	next.TotalPrice = ledgerdomain.Money(next.TotalPrice)
	next.UpdatedAt = s.now()
	ok, err := s.repo.CompareAndSwapOrder(ctx, tx, prev, next)
	if err != nil {
		return err
	}
	if !ok {
		return conflict("order", ledgerdomain.ErrOrderUpdateFailed)
	}
	return nil
}

func normalizeID(value string) string {
	return strings.TrimSpace(value)
}
