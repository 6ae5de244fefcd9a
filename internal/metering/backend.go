package metering

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/shadowfiend/pkg/httpclient"
)

// TokenSource supplies the service token sent as X-Auth-Token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Backend is a thin Gnocchi v1 REST client.
type Backend struct {
	endpoint string
	http     *httpclient.Client
	tokens   TokenSource
}

func NewBackend(endpoint string, client *httpclient.Client, tokens TokenSource) *Backend {
	return &Backend{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     client,
		tokens:   tokens,
	}
}

func (b *Backend) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	token, err := b.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("metering token: %w", err)
	}
	target := b.endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	header := http.Header{}
	header.Set("X-Auth-Token", token)
	_, err = b.http.JSON(ctx, method, target, header, in, out)
	return err
}

// SearchResources lists resources of the given type owned by the project. An
// unknown resource type yields an empty list.
func (b *Backend) SearchResources(ctx context.Context, resourceType, projectID string, limit int) ([]Resource, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var resources []Resource
	err := b.call(ctx, http.MethodPost, "/v1/search/resource/"+url.PathEscape(resourceType), query, projectQuery(projectID), &resources)
	if httpclient.IsStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resources, nil
}

func (b *Backend) CreateResource(ctx context.Context, resourceType string, resource newResource) (*Resource, error) {
	var created Resource
	if err := b.call(ctx, http.MethodPost, "/v1/resource/"+url.PathEscape(resourceType), nil, resource, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (b *Backend) GetResource(ctx context.Context, resourceID string) (*Resource, error) {
	var resource Resource
	if err := b.call(ctx, http.MethodGet, "/v1/resource/generic/"+url.PathEscape(resourceID), nil, nil, &resource); err != nil {
		return nil, err
	}
	return &resource, nil
}

func (b *Backend) CreateMetric(ctx context.Context, m newMetric) (string, error) {
	var created metric
	if err := b.call(ctx, http.MethodPost, "/v1/metric", nil, m, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (b *Backend) AddMeasure(ctx context.Context, metricID string, ts time.Time) error {
	measures := []newMeasure{{Timestamp: ts.UTC().Format(time.RFC3339), Value: 1}}
	return b.call(ctx, http.MethodPost, "/v1/metric/"+url.PathEscape(metricID)+"/measures", nil, measures, nil)
}

// ResourceMeasures reads the summed measures of a resource metric ordered by timestamp.
// A missing metric yields no measures.
func (b *Backend) ResourceMeasures(ctx context.Context, resourceID, metricName string, granularity time.Duration) ([]Measure, error) {
	query := url.Values{}
	query.Set("aggregation", "sum")
	query.Set("granularity", seconds(granularity))
	query.Set("needed_overlap", "0")
	query.Set("refresh", "true")

	path := fmt.Sprintf("/v1/resource/generic/%s/metric/%s/measures", url.PathEscape(resourceID), url.PathEscape(metricName))
	var measures []Measure
	err := b.call(ctx, http.MethodGet, path, query, nil, &measures)
	if httpclient.IsStatus(err, http.StatusNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return measures, nil
}

// AggregateProject sums metricName across every resource of the project in [start, stop).
func (b *Backend) AggregateProject(ctx context.Context, projectID, metricName string, start, stop time.Time, granularity time.Duration) ([]Measure, error) {
	query := url.Values{}
	query.Set("aggregation", "sum")
	query.Set("start", start.UTC().Format(time.RFC3339))
	query.Set("stop", stop.UTC().Format(time.RFC3339))
	query.Set("granularity", seconds(granularity))
	query.Set("needed_overlap", "0")

	path := "/v1/aggregation/resource/generic/metric/" + url.PathEscape(metricName)
	var measures []Measure
	if err := b.call(ctx, http.MethodPost, path, query, projectQuery(projectID), &measures); err != nil {
		return nil, err
	}
	return measures, nil
}

// EnsureArchivePolicy creates the billing archive policy when it does not exist.
func (b *Backend) EnsureArchivePolicy(ctx context.Context, granularity time.Duration) error {
	err := b.call(ctx, http.MethodGet, "/v1/archive_policy/"+archivePolicy, nil, nil, nil)
	if err == nil {
		return nil
	}
	if !httpclient.IsStatus(err, http.StatusNotFound) {
		return err
	}
	spec := archivePolicySpec{
		Name:               archivePolicy,
		BackWindow:         0,
		AggregationMethods: []string{"sum"},
		Definition: []archivePolicyDefinition{
			{Granularity: seconds(granularity), Timespan: "90 days"},
			{Granularity: "86400", Timespan: "360 days"},
			{Granularity: "2592000", Timespan: "1800 days"},
		},
	}
	err = b.call(ctx, http.MethodPost, "/v1/archive_policy", nil, spec, nil)
	if httpclient.IsStatus(err, http.StatusConflict) {
		return nil
	}
	return err
}

// EnsureResourceType creates the watermark resource type when it does not exist.
func (b *Backend) EnsureResourceType(ctx context.Context) error {
	err := b.call(ctx, http.MethodPost, "/v1/resource_type", nil, map[string]string{"name": StateResourceType}, nil)
	if httpclient.IsStatus(err, http.StatusConflict) {
		return nil
	}
	return err
}

func seconds(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Second), 10)
}
