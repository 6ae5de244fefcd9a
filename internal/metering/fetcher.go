package metering

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/shadowfiend/internal/config"
	"github.com/smallbiznis/shadowfiend/internal/observability/logger"
	"github.com/smallbiznis/shadowfiend/pkg/httpclient"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Backend *Backend
	Policy  *config.PolicyHolder
}

// Fetcher answers usage and watermark questions for the reconciliation worker.
type Fetcher struct {
	log     *zap.Logger
	backend *Backend
	policy  *config.PolicyHolder
}

func NewFetcher(p Params) *Fetcher {
	return &Fetcher{
		log:     p.Log.Named("metering.fetcher"),
		backend: p.Backend,
		policy:  p.Policy,
	}
}

// InitStorage creates the archive policy and the watermark resource type.
func (f *Fetcher) InitStorage(ctx context.Context) error {
	if err := f.backend.EnsureArchivePolicy(ctx, f.policy.Get().MeteringPeriod); err != nil {
		return fmt.Errorf("ensure archive policy: %w", err)
	}
	if err := f.backend.EnsureResourceType(ctx); err != nil {
		return fmt.Errorf("ensure resource type: %w", err)
	}
	return nil
}

// GetCurrentConsume returns the rated cost of the project in [since, since+process_period).
// Rejections by the backend (not acceptable, unauthorized) count as no usage.
func (f *Fetcher) GetCurrentConsume(ctx context.Context, projectID string, since time.Time) (decimal.Decimal, error) {
	policy := f.policy.Get()
	stop := since.Add(policy.ProcessPeriod)

	measures, err := f.backend.AggregateProject(ctx, projectID, costMetric, since, stop, policy.MeteringPeriod)
	if httpclient.IsStatus(err, http.StatusNotAcceptable) || httpclient.IsStatus(err, http.StatusUnauthorized) {
		logger.WithProject(logger.WithContext(ctx, f.log), projectID).Warn("metering.consume.rejected",
			zap.Time("since", since),
			zap.Error(err),
		)
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("aggregate %s: %w", costMetric, err)
	}

	total := decimal.Zero
	for _, m := range measures {
		total = total.Add(m.Value)
	}
	return total, nil
}

// GetState returns the newest or oldest watermark recorded under tag. ok is false
// when no state resource or measure exists.
func (f *Fetcher) GetState(ctx context.Context, projectID string, tag StateTag, edge StateEdge) (time.Time, bool, error) {
	resources, err := f.backend.SearchResources(ctx, tag.resourceType(), projectID, 1)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("search %s: %w", tag.resourceType(), err)
	}
	if len(resources) == 0 {
		logger.WithProject(logger.WithContext(ctx, f.log), projectID).Debug("metering.state.missing",
			zap.String("tag", string(tag)),
		)
		return time.Time{}, false, nil
	}

	measures, err := f.backend.ResourceMeasures(ctx, resources[0].ID, stateMetric, f.policy.Get().MeteringPeriod)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read %s measures: %w", tag, err)
	}
	if len(measures) == 0 {
		return time.Time{}, false, nil
	}
	if edge == EdgeBottom {
		return measures[0].Timestamp, true, nil
	}
	return measures[len(measures)-1].Timestamp, true, nil
}

// SetState records ts as the project's watermark, creating the state resource and
// metric on first use.
func (f *Fetcher) SetState(ctx context.Context, projectID string, ts time.Time) error {
	resources, err := f.backend.SearchResources(ctx, StateResourceType, projectID, 1)
	if err != nil {
		return fmt.Errorf("search %s: %w", StateResourceType, err)
	}

	var resourceID string
	if len(resources) == 0 {
		created, err := f.backend.CreateResource(ctx, StateResourceType, newResource{
			ID:        uuid.NewString(),
			ProjectID: projectID,
		})
		if err != nil {
			return fmt.Errorf("create %s: %w", StateResourceType, err)
		}
		resourceID = created.ID
	} else {
		resourceID = resources[0].ID
	}

	resource, err := f.backend.GetResource(ctx, resourceID)
	if err != nil {
		return fmt.Errorf("get %s: %w", StateResourceType, err)
	}
	metricID := resource.Metrics[stateMetric]
	if metricID == "" {
		metricID, err = f.backend.CreateMetric(ctx, newMetric{
			ArchivePolicyName: archivePolicy,
			Name:              stateMetric,
			ResourceID:        resourceID,
		})
		if err != nil {
			return fmt.Errorf("create state metric: %w", err)
		}
	}

	if err := f.backend.AddMeasure(ctx, metricID, ts); err != nil {
		return fmt.Errorf("add state measure: %w", err)
	}
	logger.WithProject(logger.WithContext(ctx, f.log), projectID).Debug("metering.state.set",
		zap.Time("state", ts),
	)
	return nil
}

// GetResources lists the project's resources of one service type.
func (f *Fetcher) GetResources(ctx context.Context, projectID, service string) ([]Resource, error) {
	resources, err := f.backend.SearchResources(ctx, service, projectID, 0)
	if httpclient.IsStatus(err, http.StatusNotAcceptable) || httpclient.IsStatus(err, http.StatusUnauthorized) {
		logger.WithProject(logger.WithContext(ctx, f.log), projectID).Warn("metering.resources.rejected",
			zap.String("service", service),
			zap.Error(err),
		)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", service, err)
	}
	return resources, nil
}
