package processor

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/shadowfiend/internal/identity"
	"github.com/smallbiznis/shadowfiend/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/shadowfiend/internal/observability/metrics"
	"github.com/smallbiznis/shadowfiend/internal/requestcontext"
	"go.uber.org/zap"
)

type passRun struct {
	runID      string
	startedAt  time.Time
	projects   int
	pending    int
	windows    map[OutcomeKind]int
	errorCount int
}

func (r *passRun) AddWindow(kind OutcomeKind) {
	if r == nil {
		return
	}
	r.windows[kind]++
}

func (r *passRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (p *Processor) startPass(ctx context.Context) (context.Context, *passRun) {
	ctx, _ = requestcontext.EnsureCorrelationID(ctx)
	run := &passRun{
		runID:     p.genID.Generate().String(),
		startedAt: time.Now(),
		windows:   make(map[OutcomeKind]int, 4),
	}
	p.logger(ctx).Info("processor.pass.start", zap.String("run_id", run.runID))
	return ctx, run
}

func (p *Processor) logger(ctx context.Context) *zap.Logger {
	return logger.WithContext(ctx, p.log)
}

func (p *Processor) logPassFinish(ctx context.Context, run *passRun) {
	if run == nil {
		return
	}
	processed := 0
	for _, n := range run.windows {
		processed += n
	}
	fields := []zap.Field{
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("project_count", run.projects),
		zap.Int("processed_count", processed),
		zap.Int("debited_count", run.windows[OutcomeDebited]),
		zap.Int("reclaimed_count", run.windows[OutcomeReclaimed]),
		zap.Int("skipped_count", run.windows[OutcomeSkipped]),
		zap.Int("pending_count", run.pending),
		zap.Int("error_count", run.errorCount),
	}
	log := p.logger(ctx)
	if run.errorCount > 0 {
		log.Warn("processor.pass.finish", fields...)
		return
	}
	log.Info("processor.pass.finish", fields...)
}

func (p *Processor) logProjectError(ctx context.Context, run *passRun, msg, projectID string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()
	errorType := classifyError(err)
	p.metrics.IncProjectError(errorType)
	baseFields := []zap.Field{
		zap.String("run_id", run.runID),
		zap.String("error_type", errorType),
		zap.String("error", err.Error()),
		zap.Bool("retryable", isRetryable(err)),
	}
	logger.WithProject(p.logger(ctx), projectID).Error(msg, append(baseFields, fields...)...)
}

// classifyError extends the ledger classification with the errors that need an
// operator to fix identity configuration.
func classifyError(err error) string {
	switch {
	case errors.Is(err, ErrBillingOwnerMissing),
		errors.Is(err, identity.ErrRoleNotFound),
		errors.Is(err, identity.ErrUserNotFound),
		errors.Is(err, identity.ErrInvalidConfig):
		return obsmetrics.ReasonConfiguration
	default:
		return obsmetrics.ClassifyReason(err)
	}
}

func isRetryable(err error) bool {
	if classifyError(err) == obsmetrics.ReasonConfiguration {
		return false
	}
	return obsmetrics.IsRetryable(err)
}
