package reclaimer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/smallbiznis/shadowfiend/internal/config"
	"github.com/smallbiznis/shadowfiend/pkg/httpclient"
)

var (
	ErrEndpointNotConfigured = errors.New("endpoint_not_configured")
	ErrUnknownService        = errors.New("unknown_service")
	// ErrAlreadyDropped marks a resource the infrastructure service no longer knows.
	ErrAlreadyDropped = errors.New("already_dropped")
)

// Dropper removes one resource of a service. A resource that no longer exists
// must be reported as ErrAlreadyDropped.
type Dropper interface {
	Drop(ctx context.Context, resourceID string) error
}

type DropperFunc func(ctx context.Context, resourceID string) error

func (f DropperFunc) Drop(ctx context.Context, resourceID string) error { return f(ctx, resourceID) }

// TokenSource supplies the service token sent as X-Auth-Token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// InfraClient issues the delete calls of every supported service.
type InfraClient struct {
	http      *httpclient.Client
	tokens    TokenSource
	endpoints config.InfrastructureConfig
}

func NewInfraClient(endpoints config.InfrastructureConfig, client *httpclient.Client, tokens TokenSource) *InfraClient {
	endpoints.ComputeEndpoint = strings.TrimRight(endpoints.ComputeEndpoint, "/")
	endpoints.VolumeEndpoint = strings.TrimRight(endpoints.VolumeEndpoint, "/")
	endpoints.NetworkEndpoint = strings.TrimRight(endpoints.NetworkEndpoint, "/")
	endpoints.ImageEndpoint = strings.TrimRight(endpoints.ImageEndpoint, "/")
	return &InfraClient{http: client, tokens: tokens, endpoints: endpoints}
}

func (c *InfraClient) call(ctx context.Context, method, endpoint, path string, body any) error {
	if endpoint == "" {
		return fmt.Errorf("%w: %s", ErrEndpointNotConfigured, path)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("infrastructure token: %w", err)
	}
	header := http.Header{}
	header.Set("X-Auth-Token", token)
	_, err = c.http.JSON(ctx, method, endpoint+path, header, body, nil)
	if httpclient.IsStatus(err, http.StatusNotFound) {
		return ErrAlreadyDropped
	}
	return err
}

func (c *InfraClient) deleteServer(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, c.endpoints.ComputeEndpoint, "/servers/"+url.PathEscape(id), nil)
}

// deleteVolume cascades to the volume's snapshots; Cinder refuses to delete a
// volume that still has any.
func (c *InfraClient) deleteVolume(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, c.endpoints.VolumeEndpoint, "/volumes/"+url.PathEscape(id)+"?cascade=true", nil)
}

func (c *InfraClient) deleteSnapshot(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, c.endpoints.VolumeEndpoint, "/snapshots/"+url.PathEscape(id), nil)
}

func (c *InfraClient) deleteImage(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, c.endpoints.ImageEndpoint, "/v2/images/"+url.PathEscape(id), nil)
}

// deleteFloatingIP disassociates the address before releasing it.
func (c *InfraClient) deleteFloatingIP(ctx context.Context, id string) error {
	path := "/v2.0/floatingips/" + url.PathEscape(id)
	disassociate := map[string]map[string]any{"floatingip": {"port_id": nil}}
	if err := c.call(ctx, http.MethodPut, c.endpoints.NetworkEndpoint, path, disassociate); err != nil {
		return err
	}
	return c.call(ctx, http.MethodDelete, c.endpoints.NetworkEndpoint, path, nil)
}

func (c *InfraClient) clearRouterGateway(ctx context.Context, id string) error {
	body := map[string]map[string]any{"router": {"external_gateway_info": map[string]any{}}}
	return c.call(ctx, http.MethodPut, c.endpoints.NetworkEndpoint, "/v2.0/routers/"+url.PathEscape(id), body)
}

func (c *InfraClient) deleteLoadBalancer(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, c.endpoints.NetworkEndpoint, "/v2.0/lbaas/loadbalancers/"+url.PathEscape(id), nil)
}

// Droppers maps every supported service name to its dropper.
func (c *InfraClient) Droppers() map[string]Dropper {
	return map[string]Dropper{
		"compute":         DropperFunc(c.deleteServer),
		"volume.volume":   DropperFunc(c.deleteVolume),
		"volume.snapshot": DropperFunc(c.deleteSnapshot),
		"image":           DropperFunc(c.deleteImage),
		"ratelimit.fip":   DropperFunc(c.deleteFloatingIP),
		"ratelimit.gw":    DropperFunc(c.clearRouterGateway),
		"loadbalancer":    DropperFunc(c.deleteLoadBalancer),
	}
}
