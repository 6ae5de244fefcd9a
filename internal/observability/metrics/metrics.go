package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes ledger-level OpenTelemetry instruments.
type Metrics struct {
	ledgerWrites  metric.Int64Counter
	debitedAmount metric.Float64Counter
	chargedAmount metric.Float64Counter
	ownerChanges  metric.Int64Counter
	ordersClosed  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}
	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the ledger instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "shadowfiend"
	}
	meter := provider.Meter(name)

	ledgerWrites, err := meter.Int64Counter("shadowfiend_ledger_writes_total")
	if err != nil {
		return nil, err
	}
	debitedAmount, err := meter.Float64Counter("shadowfiend_ledger_debited_amount")
	if err != nil {
		return nil, err
	}
	chargedAmount, err := meter.Float64Counter("shadowfiend_ledger_charged_amount")
	if err != nil {
		return nil, err
	}
	ownerChanges, err := meter.Int64Counter("shadowfiend_ledger_billing_owner_changes_total")
	if err != nil {
		return nil, err
	}
	ordersClosed, err := meter.Int64Counter("shadowfiend_ledger_orders_closed_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ledgerWrites:  ledgerWrites,
		debitedAmount: debitedAmount,
		chargedAmount: chargedAmount,
		ownerChanges:  ownerChanges,
		ordersClosed:  ordersClosed,
	}, nil
}

// RecordLedgerWrite counts a committed ledger mutation by operation.
func (m *Metrics) RecordLedgerWrite(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.ledgerWrites.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDebit adds a reconciliation debit.
func (m *Metrics) RecordDebit(ctx context.Context, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.debitedAmount.Add(ctx, amount.Abs().InexactFloat64())
	m.RecordLedgerWrite(ctx, "debit_account")
}

// RecordCharge adds a charge by charge type.
func (m *Metrics) RecordCharge(ctx context.Context, chargeType string, value decimal.Decimal) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("charge_type", strings.TrimSpace(chargeType)))
	m.chargedAmount.Add(ctx, value.Abs().InexactFloat64(), metric.WithAttributes(attrs...))
	m.RecordLedgerWrite(ctx, "charge_account")
}

func (m *Metrics) RecordBillingOwnerChange(ctx context.Context) {
	if m == nil {
		return
	}
	m.ownerChanges.Add(ctx, 1)
	m.RecordLedgerWrite(ctx, "change_billing_owner")
}

func (m *Metrics) RecordOrderClosed(ctx context.Context, orderType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("order_type", strings.TrimSpace(orderType)))
	m.ordersClosed.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.RecordLedgerWrite(ctx, "close_order")
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"operation":   {},
	"charge_type": {},
	"order_type":  {},
	"service":     {},
	"outcome":     {},
	"reason":      {},
}

// FilterAttributes strips labels that would explode cardinality, such as user or project ids.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
