// Package processor runs the periodic reconciliation pass: it bills each
// rate-enabled project window by window and reclaims resources of payers that
// stayed owed past their grace period.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/shadowfiend/internal/clock"
	"github.com/smallbiznis/shadowfiend/internal/config"
	ledgerdomain "github.com/smallbiznis/shadowfiend/internal/ledger/domain"
	"github.com/smallbiznis/shadowfiend/internal/metering"
	obsmetrics "github.com/smallbiznis/shadowfiend/internal/observability/metrics"
	"github.com/smallbiznis/shadowfiend/internal/requestcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_processor_config")

const releaseTimeout = 5 * time.Second

// Locker grants per-project leases shared by every processor instance.
type Locker interface {
	Acquire(ctx context.Context, projectID string) (bool, error)
	Release(ctx context.Context, projectID string) error
	Heartbeat(ctx context.Context) error
	KeepAlive(ctx context.Context, interval time.Duration)
}

type Params struct {
	fx.In

	Log       *zap.Logger
	Usage     UsageFetcher
	Identity  Identity
	Ledger    ledgerdomain.Service
	Reclaimer Reclaimer
	Locks     Locker
	Policy    *config.PolicyHolder
	GenID     *snowflake.Node
	Clock     clock.Clock
	Metrics   *obsmetrics.ProcessorMetrics `optional:"true"`
}

type Processor struct {
	log      *zap.Logger
	usage    UsageFetcher
	identity Identity
	locks    Locker
	policy   *config.PolicyHolder
	genID    *snowflake.Node
	clock    clock.Clock
	metrics  *obsmetrics.ProcessorMetrics
	worker   *Worker
}

func New(p Params) (*Processor, error) {
	if p.Log == nil || p.Usage == nil || p.Identity == nil || p.Ledger == nil || p.Reclaimer == nil || p.Locks == nil || p.Policy == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Processor{
		log:      p.Log.Named("processor").With(zap.String("component", "processor")),
		usage:    p.Usage,
		identity: p.Identity,
		locks:    p.Locks,
		policy:   p.Policy,
		genID:    p.GenID,
		clock:    p.Clock,
		metrics:  p.Metrics,
		worker:   NewWorker(p),
	}, nil
}

// checkState returns the start of the next unbilled window of the project, or
// false when the metering data does not cover a full window past the watermark.
// A project without a watermark gets one stored before anything is billed.
func (p *Processor) checkState(ctx context.Context, projectID string) (time.Time, bool, error) {
	policy := p.policy.Get()

	ts, ok, err := p.usage.GetState(ctx, projectID, metering.StateShadowfiend, metering.EdgeTop)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("watermark: %w", err)
	}
	found := ok
	if !ok && policy.HistoricalExpenses {
		ts, ok, err = p.usage.GetState(ctx, projectID, metering.StateCloudkitty, metering.EdgeBottom)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("first record: %w", err)
		}
	}
	if !ok {
		ts = p.clock.Now().UTC().Truncate(time.Hour).Add(-policy.ProcessPeriod)
	}
	if !found {
		// Persist the starting point so later passes advance from it instead
		// of rebuilding it from the clock.
		if err := p.usage.SetState(ctx, projectID, ts); err != nil {
			return time.Time{}, false, fmt.Errorf("bootstrap watermark: %w", err)
		}
		p.logger(ctx).Info("processor.watermark.bootstrapped",
			zap.String("project_id", projectID),
			zap.Time("watermark", ts),
			zap.Bool("historical", ok),
		)
	}

	top, ok, err := p.usage.GetState(ctx, projectID, metering.StateCloudkitty, metering.EdgeTop)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest record: %w", err)
	}
	if !ok {
		return time.Time{}, false, nil
	}

	next := ts.Add(policy.ProcessPeriod)
	if !next.Before(top) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// RunOnce executes one full pass. Projects leased by another instance are
// retried until every project has run out of complete windows or the pass
// times out.
func (p *Processor) RunOnce(parent context.Context) error {
	policy := p.policy.Get()
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, policy.PassTimeout)
	defer cancel()

	ctx = requestcontext.WithSystemActor(ctx)
	ctx, run := p.startPass(ctx)
	p.metrics.IncPassRun()
	defer func() {
		p.metrics.ObservePassDuration(time.Since(start))
		p.logPassFinish(ctx, run)
	}()

	keepAliveCtx, stopKeepAlive := context.WithCancel(ctx)
	defer stopKeepAlive()
	go p.locks.KeepAlive(keepAliveCtx, policy.LockTTL/3)

	projects, err := p.identity.RateProjects(ctx)
	if err != nil {
		run.IncError()
		return fmt.Errorf("rate projects: %w", err)
	}
	run.projects = len(projects)

	remaining := projects
	for len(remaining) > 0 {
		if ctx.Err() != nil {
			break
		}

		progressed := false
		pending := make([]string, 0, len(remaining))
		for _, projectID := range remaining {
			if ctx.Err() != nil {
				pending = append(pending, projectID)
				continue
			}
			keep, moved := p.step(ctx, run, projectID)
			if keep {
				pending = append(pending, projectID)
			}
			if moved {
				progressed = true
			}
			if err := p.locks.Heartbeat(ctx); err != nil {
				p.logger(ctx).Warn("processor.heartbeat.failed", zap.Error(err))
			}
		}
		remaining = pending

		if !progressed && len(remaining) > 0 {
			if err := sleepCtx(ctx, policy.IdlePause); err != nil {
				break
			}
		}
	}

	if err := ctx.Err(); err != nil && parent.Err() == nil {
		run.pending = len(remaining)
		p.logger(ctx).Warn("processor.pass.timed_out",
			zap.String("run_id", run.runID),
			zap.Duration("timeout", policy.PassTimeout),
			zap.Int("pending_projects", len(remaining)),
		)
		return nil
	}
	return parent.Err()
}

// step tries to process one window of projectID. keep reports whether the
// project stays in the pass; moved reports whether anything was done.
func (p *Processor) step(ctx context.Context, run *passRun, projectID string) (keep, moved bool) {
	acquired, err := p.locks.Acquire(ctx, projectID)
	if err != nil {
		p.logProjectError(ctx, run, "processor.lock.failed", projectID, err)
		return false, true
	}
	if !acquired {
		return true, false
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := p.locks.Release(releaseCtx, projectID); err != nil {
			p.logger(ctx).Warn("processor.lock.release_failed", zap.String("project_id", projectID), zap.Error(err))
		}
	}()

	begin, ready, err := p.checkState(ctx, projectID)
	if err != nil {
		p.logProjectError(ctx, run, "processor.state.failed", projectID, err)
		return false, true
	}
	if !ready {
		return false, true
	}

	outcome := p.worker.Run(ctx, projectID, begin)
	run.AddWindow(outcome.Kind)
	if outcome.Kind == OutcomeFailed {
		p.logProjectError(ctx, run, "processor.window.failed", projectID, outcome.Reason, zap.Time("window_start", begin))
		return false, true
	}
	if outcome.Reclaim != nil {
		if err := outcome.Reclaim.Err(); err != nil {
			p.logger(ctx).Warn("processor.reclaim.partial",
				zap.String("project_id", projectID),
				zap.Int("dropped", outcome.Reclaim.Dropped),
				zap.Error(err),
			)
		}
	}
	return true, true
}

// RunForever runs a pass every tick interval until ctx is canceled.
func (p *Processor) RunForever(ctx context.Context) {
	interval := p.policy.Get().TickInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	nextRun := p.clock.Now()

	for {
		if lag := p.clock.Now().Sub(nextRun); lag > 0 {
			p.metrics.ObserveLoopLag(lag)
		}
		if err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("processor pass failed", zap.Error(err))
		}
		nextRun = nextRun.Add(interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
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
