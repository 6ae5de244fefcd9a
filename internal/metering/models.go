package metering

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// StateResourceType is the resource type holding the reconciliation watermark.
	StateResourceType = "shadowfiend_state"
	stateMetric       = "state"
	costMetric        = "total.cost"
	archivePolicy     = "billing"
)

// StateTag selects whose watermark is read: the rating engine's or ours.
type StateTag string

const (
	StateShadowfiend StateTag = "shadowfiend"
	StateCloudkitty  StateTag = "cloudkitty"
)

func (t StateTag) resourceType() string { return string(t) + "_state" }

// StateEdge selects the newest or the oldest state measure.
type StateEdge string

const (
	EdgeTop    StateEdge = "top"
	EdgeBottom StateEdge = "bottom"
)

// Resource is a metered resource as listed by the metering backend.
type Resource struct {
	ID                 string            `json:"id"`
	Type               string            `json:"type"`
	ProjectID          string            `json:"project_id"`
	UserID             *string           `json:"user_id"`
	OriginalResourceID string            `json:"original_resource_id"`
	Metrics            map[string]string `json:"metrics"`
	StartedAt          string            `json:"started_at"`
	EndedAt            *string           `json:"ended_at"`
}

// Measure is one aggregated point: [timestamp, granularity, value].
type Measure struct {
	Timestamp   time.Time
	Granularity float64
	Value       decimal.Decimal
}

func (m *Measure) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("measure: expected 3 fields, got %d", len(raw))
	}
	var ts string
	if err := json.Unmarshal(raw[0], &ts); err != nil {
		return fmt.Errorf("measure timestamp: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return fmt.Errorf("measure timestamp: %w", err)
	}
	if err := json.Unmarshal(raw[1], &m.Granularity); err != nil {
		return fmt.Errorf("measure granularity: %w", err)
	}
	if err := m.Value.UnmarshalJSON(raw[2]); err != nil {
		return fmt.Errorf("measure value: %w", err)
	}
	m.Timestamp = parsed.UTC()
	return nil
}

type resourceQuery map[string]map[string]string

func projectQuery(projectID string) resourceQuery {
	return resourceQuery{"=": {"project_id": projectID}}
}

type newResource struct {
	ID        string  `json:"id"`
	UserID    *string `json:"user_id"`
	ProjectID string  `json:"project_id"`
}

type newMetric struct {
	ArchivePolicyName string `json:"archive_policy_name"`
	Name              string `json:"name"`
	ResourceID        string `json:"resource_id"`
}

type metric struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type newMeasure struct {
	Timestamp string `json:"timestamp"`
	Value     int    `json:"value"`
}

type archivePolicyDefinition struct {
	Granularity string `json:"granularity"`
	Timespan    string `json:"timespan"`
}

type archivePolicySpec struct {
	Name               string                    `json:"name"`
	BackWindow         int                       `json:"back_window"`
	AggregationMethods []string                  `json:"aggregation_methods"`
	Definition         []archivePolicyDefinition `json:"definition"`
}
