package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/shadowfiend/internal/authorization"
	ledgerdomain "github.com/smallbiznis/shadowfiend/internal/ledger/domain"
	"gorm.io/gorm"
)

const (
	ReasonNotFound             = "not_found"
	ReasonUpdateFailed         = "update_failed"
	ReasonConfiguration        = "configuration"
	ReasonForbidden            = "forbidden"
	ReasonDeadlineExceeded     = "deadline_exceeded"
	ReasonDBLockTimeout        = "db_lock_timeout"
	ReasonSerializationFailure = "serialization_failure"
	ReasonUniqueViolation      = "unique_violation"
	ReasonBusinessRule         = "business_rule"
	ReasonUnknown              = "unknown"
)

const (
	DropResultDropped = "dropped"
	DropResultFailed  = "failed"
	DropResultMissing = "missing"
)

// ProcessorMetrics captures reconciliation health signals.
type ProcessorMetrics struct {
	passRuns        prometheus.Counter
	passDuration    prometheus.Histogram
	loopLag         prometheus.Histogram
	outcomes        *prometheus.CounterVec
	projectErrors   *prometheus.CounterVec
	lockContention  prometheus.Counter
	lockErrors      prometheus.Counter
	reclaimDrops    *prometheus.CounterVec
	casRetries      *prometheus.CounterVec
	windowsAdvanced prometheus.Counter
}

var (
	processorMetricsOnce sync.Once
	processorMetrics     *ProcessorMetrics
)

// Processor returns the singleton processor metrics registry.
func Processor() *ProcessorMetrics {
	return ProcessorWithConfig(Config{})
}

// ProcessorWithConfig returns the singleton processor metrics registry using config labels.
func ProcessorWithConfig(cfg Config) *ProcessorMetrics {
	processorMetricsOnce.Do(func() {
		processorMetrics = newProcessorMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return processorMetrics
}

// ResetProcessorMetricsForTest resets the processor metrics singleton for tests.
func ResetProcessorMetricsForTest() {
	processorMetricsOnce = sync.Once{}
	processorMetrics = nil
}

func newProcessorMetrics(registerer prometheus.Registerer, cfg Config) *ProcessorMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "shadowfiend"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &ProcessorMetrics{
		passRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shadowfiend_processor_pass_runs_total",
			Help:        "Reconciliation passes started.",
			ConstLabels: constLabels,
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "shadowfiend_processor_pass_duration_seconds",
			Help:        "Wall time of a full reconciliation pass.",
			Buckets:     []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			ConstLabels: constLabels,
		}),
		loopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "shadowfiend_processor_loop_lag_seconds",
			Help:        "Delay between the scheduled and actual start of a pass.",
			Buckets:     []float64{0.01, 0.1, 1, 5, 30, 60, 300, 900},
			ConstLabels: constLabels,
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shadowfiend_processor_window_outcomes_total",
			Help:        "Reconciliation window outcomes by kind.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		projectErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shadowfiend_processor_project_errors_total",
			Help:        "Project reconciliation failures by reason.",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		lockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shadowfiend_processor_lock_contention_total",
			Help:        "Project locks held by another processor instance.",
			ConstLabels: constLabels,
		}),
		lockErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shadowfiend_processor_lock_errors_total",
			Help:        "Lock coordinator failures.",
			ConstLabels: constLabels,
		}),
		reclaimDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shadowfiend_reclaimer_drops_total",
			Help:        "Resource drop attempts for owed projects.",
			ConstLabels: constLabels,
		}, []string{"target", "result"}),
		casRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shadowfiend_ledger_cas_retries_total",
			Help:        "Compare-and-swap conflicts that forced a re-read.",
			ConstLabels: constLabels,
		}, []string{"entity"}),
		windowsAdvanced: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "shadowfiend_processor_watermarks_advanced_total",
			Help:        "Watermarks advanced after a durable debit.",
			ConstLabels: constLabels,
		}),
	}

	registerer.MustRegister(
		m.passRuns,
		m.passDuration,
		m.loopLag,
		m.outcomes,
		m.projectErrors,
		m.lockContention,
		m.lockErrors,
		m.reclaimDrops,
		m.casRetries,
		m.windowsAdvanced,
	)
	return m
}

func (m *ProcessorMetrics) IncPassRun() {
	if m == nil {
		return
	}
	m.passRuns.Inc()
}

func (m *ProcessorMetrics) ObservePassDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.Observe(duration.Seconds())
}

func (m *ProcessorMetrics) ObserveLoopLag(duration time.Duration) {
	if m == nil || duration < 0 {
		return
	}
	m.loopLag.Observe(duration.Seconds())
}

func (m *ProcessorMetrics) IncOutcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *ProcessorMetrics) IncProjectError(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = ReasonUnknown
	}
	m.projectErrors.WithLabelValues(reason).Inc()
}

func (m *ProcessorMetrics) IncLockContention() {
	if m == nil {
		return
	}
	m.lockContention.Inc()
}

func (m *ProcessorMetrics) IncLockError() {
	if m == nil {
		return
	}
	m.lockErrors.Inc()
}

func (m *ProcessorMetrics) IncReclaimDrop(service, result string) {
	if m == nil {
		return
	}
	m.reclaimDrops.WithLabelValues(service, result).Inc()
}

func (m *ProcessorMetrics) IncCASRetry(entity string) {
	if m == nil {
		return
	}
	m.casRetries.WithLabelValues(entity).Inc()
}

func (m *ProcessorMetrics) IncWatermarkAdvanced() {
	if m == nil {
		return
	}
	m.windowsAdvanced.Inc()
}

// ClassifyReason maps ledger and database errors to low-cardinality reasons.
func ClassifyReason(err error) string {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonDeadlineExceeded
	case isAuthorizationError(err):
		return ReasonForbidden
	case isNotFound(err):
		return ReasonNotFound
	case isUpdateFailed(err):
		return ReasonUpdateFailed
	case hasPGCode(err, "55P03"):
		return ReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return ReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return ReasonUniqueViolation
	case isBusinessRule(err):
		return ReasonBusinessRule
	default:
		return ReasonUnknown
	}
}

// IsRetryable reports whether the next pass may succeed without operator action.
func IsRetryable(err error) bool {
	switch ClassifyReason(err) {
	case ReasonDeadlineExceeded, ReasonDBLockTimeout, ReasonSerializationFailure, ReasonUpdateFailed, ReasonUnknown:
		return true
	default:
		return false
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isAuthorizationError(err error) bool {
	return errors.Is(err, authorization.ErrForbidden) ||
		errors.Is(err, authorization.ErrAdminRequired) ||
		errors.Is(err, authorization.ErrInvalidActor)
}

func isNotFound(err error) bool {
	return errors.Is(err, ledgerdomain.ErrAccountNotFound) ||
		errors.Is(err, ledgerdomain.ErrProjectNotFound) ||
		errors.Is(err, ledgerdomain.ErrOrderNotFound) ||
		errors.Is(err, ledgerdomain.ErrUserProjectNotFound)
}

func isUpdateFailed(err error) bool {
	return errors.Is(err, ledgerdomain.ErrAccountUpdateFailed) ||
		errors.Is(err, ledgerdomain.ErrOrderUpdateFailed) ||
		errors.Is(err, ledgerdomain.ErrProjectUpdateFailed) ||
		errors.Is(err, ledgerdomain.ErrUserProjectUpdateFailed) ||
		errors.Is(err, ledgerdomain.ErrConsumptionUpdateFailed)
}

func isBusinessRule(err error) bool {
	return errors.Is(err, ledgerdomain.ErrNotSufficientFund) ||
		errors.Is(err, ledgerdomain.ErrNotSufficientFrozenBalance) ||
		errors.Is(err, ledgerdomain.ErrNoBalanceToTransfer) ||
		errors.Is(err, ledgerdomain.ErrInvalidTransferMoneyValue) ||
		errors.Is(err, ledgerdomain.ErrOrderRenewError) ||
		errors.Is(err, ledgerdomain.ErrInvalidOrderTransition)
}
