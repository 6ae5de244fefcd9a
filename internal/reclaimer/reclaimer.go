// Package reclaimer drops the billable resources of projects whose payer stayed
// owed past the grace period.
package reclaimer

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/shadowfiend/internal/config"
	"github.com/smallbiznis/shadowfiend/internal/metering"
	"github.com/smallbiznis/shadowfiend/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/shadowfiend/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ResourceLister lists a project's resources of one service.
type ResourceLister interface {
	GetResources(ctx context.Context, projectID, service string) ([]metering.Resource, error)
}

// Throttle paces drop calls against the infrastructure APIs.
type Throttle interface {
	Wait(ctx context.Context, scope string) error
}

// DropError records one failed listing or drop.
type DropError struct {
	Service    string
	ResourceID string
	Err        error
}

func (e DropError) Error() string {
	if e.ResourceID == "" {
		return fmt.Sprintf("%s: %v", e.Service, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.ResourceID, e.Err)
}

func (e DropError) Unwrap() error { return e.Err }

// ReclaimReport summarises one owed action.
type ReclaimReport struct {
	ProjectID string
	Dropped   int
	Missing   int
	Failures  []DropError
}

// Err joins every failure, or returns nil.
func (r ReclaimReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Lister   ResourceLister
	Droppers map[string]Dropper
	Policy   *config.PolicyHolder
	Throttle Throttle                     `optional:"true"`
	Metrics  *obsmetrics.ProcessorMetrics `optional:"true"`
}

type Reclaimer struct {
	log      *zap.Logger
	lister   ResourceLister
	droppers map[string]Dropper
	policy   *config.PolicyHolder
	throttle Throttle
	metrics  *obsmetrics.ProcessorMetrics
}

func New(p Params) *Reclaimer {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Reclaimer{
		log:      log.Named("reclaimer"),
		lister:   p.Lister,
		droppers: p.Droppers,
		policy:   p.Policy,
		throttle: p.Throttle,
		metrics:  p.Metrics,
	}
}

// OwedAction drops every resource of the configured services. It is best effort:
// failures are logged, counted and reported, and never stop the remaining drops.
func (r *Reclaimer) OwedAction(ctx context.Context, projectID string) ReclaimReport {
	log := logger.WithProject(logger.WithContext(ctx, r.log), projectID)
	report := ReclaimReport{ProjectID: projectID}

	for _, service := range r.policy.Get().Services {
		if ctx.Err() != nil {
			report.Failures = append(report.Failures, DropError{Service: service, Err: ctx.Err()})
			break
		}

		dropper, ok := r.droppers[service]
		if !ok {
			log.Error("reclaimer.service.unknown", zap.String("service", service))
			report.Failures = append(report.Failures, DropError{Service: service, Err: ErrUnknownService})
			r.metrics.IncReclaimDrop(service, obsmetrics.DropResultFailed)
			continue
		}

		resources, err := r.lister.GetResources(ctx, projectID, service)
		if err != nil {
			log.Warn("reclaimer.list.failed", zap.String("service", service), zap.Error(err))
			report.Failures = append(report.Failures, DropError{Service: service, Err: err})
			r.metrics.IncReclaimDrop(service, obsmetrics.DropResultFailed)
			continue
		}

		for _, resource := range resources {
			if r.throttle != nil {
				if err := r.throttle.Wait(ctx, service); err != nil {
					report.Failures = append(report.Failures, DropError{Service: service, ResourceID: resource.ID, Err: err})
					break
				}
			}
			err := dropper.Drop(ctx, resource.ID)
			switch {
			case err == nil:
				report.Dropped++
				r.metrics.IncReclaimDrop(service, obsmetrics.DropResultDropped)
				log.Info("reclaimer.resource.dropped",
					zap.String("service", service),
					zap.String("resource_id", resource.ID),
				)
			case errors.Is(err, ErrAlreadyDropped):
				report.Missing++
				r.metrics.IncReclaimDrop(service, obsmetrics.DropResultMissing)
			default:
				report.Failures = append(report.Failures, DropError{Service: service, ResourceID: resource.ID, Err: err})
				r.metrics.IncReclaimDrop(service, obsmetrics.DropResultFailed)
				log.Warn("reclaimer.resource.drop_failed",
					zap.String("service", service),
					zap.String("resource_id", resource.ID),
					zap.Error(err),
				)
			}
		}
	}

	log.Info("reclaimer.owed_action.finished",
		zap.Int("dropped", report.Dropped),
		zap.Int("missing", report.Missing),
		zap.Int("failed", len(report.Failures)),
	)
	return report
}
