package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/shadowfiend/internal/clock"
	"github.com/smallbiznis/shadowfiend/internal/config"
	ledgerdomain "github.com/smallbiznis/shadowfiend/internal/ledger/domain"
	"github.com/smallbiznis/shadowfiend/internal/metering"
	"github.com/smallbiznis/shadowfiend/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/shadowfiend/internal/observability/metrics"
	"github.com/smallbiznis/shadowfiend/internal/observability/tracing"
	"github.com/smallbiznis/shadowfiend/internal/reclaimer"
	"github.com/smallbiznis/shadowfiend/internal/requestcontext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrBillingOwnerMissing = errors.New("billing_owner_missing")

// UsageFetcher reads consumption and keeps the per-project watermark.
type UsageFetcher interface {
	GetCurrentConsume(ctx context.Context, projectID string, since time.Time) (decimal.Decimal, error)
	GetState(ctx context.Context, projectID string, tag metering.StateTag, edge metering.StateEdge) (time.Time, bool, error)
	SetState(ctx context.Context, projectID string, ts time.Time) error
}

// Identity resolves which projects are billed and who pays for them.
type Identity interface {
	RateProjects(ctx context.Context) ([]string, error)
	RateUser(ctx context.Context, projectID string) (string, bool, error)
}

type Reclaimer interface {
	OwedAction(ctx context.Context, projectID string) reclaimer.ReclaimReport
}

type OutcomeKind string

const (
	OutcomeSkipped   OutcomeKind = "skipped"
	OutcomeDebited   OutcomeKind = "debited"
	OutcomeReclaimed OutcomeKind = "reclaimed"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is the result of reconciling one window of one project.
//
// Skipped means the window had already been debited by an earlier attempt and
// only the watermark moved. Reclaimed means the owed action ran before the debit.
// Failed leaves the watermark untouched.
type Outcome struct {
	Kind    OutcomeKind
	Reason  error
	Cost    decimal.Decimal
	Account *ledgerdomain.Account
	Reclaim *reclaimer.ReclaimReport
}

func failed(reason error) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason}
}

type Worker struct {
	log       *zap.Logger
	usage     UsageFetcher
	identity  Identity
	ledger    ledgerdomain.Service
	reclaimer Reclaimer
	policy    *config.PolicyHolder
	clock     clock.Clock
	metrics   *obsmetrics.ProcessorMetrics
	tracer    trace.Tracer
}

func NewWorker(p Params) *Worker {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Worker{
		log:       log.Named("processor.worker"),
		usage:     p.Usage,
		identity:  p.Identity,
		ledger:    p.Ledger,
		reclaimer: p.Reclaimer,
		policy:    p.Policy,
		clock:     clk,
		metrics:   p.Metrics,
		tracer:    tracing.Tracer("processor"),
	}
}

// Run bills the window starting at begin to the project's payer and advances
// the watermark once the debit is durable.
func (w *Worker) Run(ctx context.Context, projectID string, begin time.Time) Outcome {
	ctx = requestcontext.WithSystemActor(ctx)
	ctx, _ = requestcontext.EnsureCorrelationID(ctx)
	ctx, span := w.tracer.Start(ctx, "processor.worker.run", trace.WithAttributes(
		attribute.String("project_id", projectID),
		attribute.String("window_start", begin.UTC().Format(time.RFC3339)),
	))
	defer span.End()

	outcome := w.run(ctx, projectID, begin)

	span.SetAttributes(attribute.String("outcome", string(outcome.Kind)))
	if outcome.Kind == OutcomeFailed {
		span.RecordError(outcome.Reason)
		span.SetStatus(codes.Error, outcome.Reason.Error())
	}
	w.metrics.IncOutcome(string(outcome.Kind))
	return outcome
}

func (w *Worker) run(ctx context.Context, projectID string, begin time.Time) Outcome {
	log := logger.WithProject(logger.WithContext(ctx, w.log), projectID).With(zap.Time("window_start", begin))

	cost, err := w.usage.GetCurrentConsume(ctx, projectID, begin)
	if err != nil {
		return failed(fmt.Errorf("current consume: %w", err))
	}

	payer, ok, err := w.identity.RateUser(ctx, projectID)
	if err != nil {
		return failed(fmt.Errorf("billing owner: %w", err))
	}
	if !ok {
		return failed(fmt.Errorf("%w: project %s", ErrBillingOwnerMissing, projectID))
	}

	account, err := w.ledger.GetAccount(ctx, payer)
	if err != nil {
		return failed(fmt.Errorf("get account %s: %w", payer, err))
	}
	if account == nil {
		return failed(fmt.Errorf("%w: payer %s", ledgerdomain.ErrAccountNotFound, payer))
	}

	outcome := Outcome{Kind: OutcomeDebited, Cost: cost}
	grace := GracePolicyFrom(w.policy.Get())
	if grace.ShouldReclaim(*account, w.clock.Now()) {
		log.Warn("processor.project.owed_action",
			zap.String("user_id", payer),
			zap.Timep("owed_at", account.OwedAt),
			zap.Int("level", account.Level),
		)
		report := w.reclaimer.OwedAction(ctx, projectID)
		outcome.Kind = OutcomeReclaimed
		outcome.Reclaim = &report
	}

	windowStart := begin.UTC()
	debited, err := w.ledger.DebitAccount(ctx, ledgerdomain.DebitAccountRequest{
		UserID:      payer,
		ProjectID:   projectID,
		Amount:      cost,
		WindowStart: &windowStart,
	})
	switch {
	case errors.Is(err, ledgerdomain.ErrWindowAlreadyDebited):
		log.Info("processor.window.already_debited", zap.String("user_id", payer))
		if outcome.Kind == OutcomeDebited {
			outcome.Kind = OutcomeSkipped
		}
		outcome.Reason = err
		outcome.Account = account
	case err != nil:
		outcome.Kind = OutcomeFailed
		outcome.Reason = fmt.Errorf("debit %s: %w", payer, err)
		return outcome
	default:
		outcome.Account = debited
	}

	if err := w.usage.SetState(ctx, projectID, begin); err != nil {
		outcome.Kind = OutcomeFailed
		outcome.Reason = fmt.Errorf("advance watermark: %w", err)
		return outcome
	}
	w.metrics.IncWatermarkAdvanced()

	log.Debug("processor.window.billed",
		zap.String("user_id", payer),
		zap.String("cost", cost.StringFixed(ledgerdomain.MoneyScale)),
		zap.String("outcome", string(outcome.Kind)),
	)
	return outcome
}
