package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/shadowfiend/internal/authorization"
	ledgerdomain "github.com/smallbiznis/shadowfiend/internal/ledger/domain"
	"gorm.io/gorm"
)

func TestClassifyReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: ReasonDeadlineExceeded},
		{name: "forbidden", err: authorization.ErrForbidden, want: ReasonForbidden},
		{name: "account_not_found", err: fmt.Errorf("debit: %w", ledgerdomain.ErrAccountNotFound), want: ReasonNotFound},
		{name: "cas_exhausted", err: ledgerdomain.ErrAccountUpdateFailed, want: ReasonUpdateFailed},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: ReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: ReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: ReasonUniqueViolation},
		{name: "business_rule", err: ledgerdomain.ErrNoBalanceToTransfer, want: ReasonBusinessRule},
		{name: "unknown", err: errors.New("boom"), want: ReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(ledgerdomain.ErrAccountNotFound) {
		t.Fatalf("not found must not be retryable")
	}
	if !IsRetryable(ledgerdomain.ErrAccountUpdateFailed) {
		t.Fatalf("cas exhaustion should be retried next pass")
	}
}

func TestOutcomeAndDropCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newProcessorMetrics(registry, Config{ServiceName: "shadowfiend", Environment: "test"})

	m.IncOutcome("debited")
	m.IncOutcome("debited")
	m.IncReclaimDrop("compute", DropResultFailed)

	if got := testutil.ToFloat64(m.outcomes.WithLabelValues("debited")); got != 2 {
		t.Fatalf("expected 2 debited outcomes, got %v", got)
	}
	if got := testutil.ToFloat64(m.reclaimDrops.WithLabelValues("compute", DropResultFailed)); got != 1 {
		t.Fatalf("expected 1 failed drop, got %v", got)
	}
}

func TestNilProcessorMetricsAreSafe(t *testing.T) {
	var m *ProcessorMetrics
	m.IncPassRun()
	m.IncOutcome("skipped")
	m.IncCASRetry("account")
}

func TestProcessorMetricsCarryServiceLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newProcessorMetrics(registry, Config{ServiceName: "shadowfiend", Environment: "staging"})
	m.IncReclaimDrop("volume", DropResultDropped)

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var drops *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "shadowfiend_reclaimer_drops_total" {
			drops = mf
		}
	}
	if drops == nil || len(drops.GetMetric()) != 1 {
		t.Fatalf("expected one reclaim drop series, got %v", drops)
	}

	labels := map[string]string{}
	for _, pair := range drops.GetMetric()[0].GetLabel() {
		labels[pair.GetName()] = pair.GetValue()
	}
	want := map[string]string{"service": "shadowfiend", "env": "staging", "target": "volume", "result": DropResultDropped}
	for k, v := range want {
		if labels[k] != v {
			t.Fatalf("label %s: expected %q, got %q", k, v, labels[k])
		}
	}
}
