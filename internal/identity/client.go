package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/shadowfiend/internal/clock"
	"github.com/smallbiznis/shadowfiend/internal/config"
	"github.com/smallbiznis/shadowfiend/pkg/httpclient"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrTokenMissing  = errors.New("identity_token_missing")
	ErrUserNotFound  = errors.New("identity_user_not_found")
	ErrRoleNotFound  = errors.New("identity_role_not_found")
	ErrInvalidConfig = errors.New("identity_invalid_config")
)

// tokens are refreshed this long before keystone expires them.
const tokenRefreshMargin = time.Minute

type Params struct {
	fx.In

	Log    *zap.Logger
	Config config.Config
	Clock  clock.Clock
	HTTP   *http.Client `optional:"true"`
}

// Client talks to a Keystone v3 endpoint with a cached service token.
type Client struct {
	cfg   config.IdentityConfig
	http  *httpclient.Client
	clock clock.Clock
	log   *zap.Logger

	group singleflight.Group
	mu    sync.RWMutex
	token string
	until time.Time
}

func NewClient(p Params) (*Client, error) {
	cfg := p.Config.Identity
	if strings.TrimSpace(cfg.AuthURL) == "" {
		return nil, fmt.Errorf("%w: auth url is required", ErrInvalidConfig)
	}
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")

	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	httpCfg := httpclient.DefaultConfig("keystone")
	httpCfg.Timeout = cfg.RequestTimeout

	return &Client{
		cfg:   cfg,
		http:  httpclient.New(httpCfg, log, httpclient.WithHTTPClient(p.HTTP)),
		clock: clk,
		log:   log.Named("identity.client"),
	}, nil
}

// Token returns a valid service token, authenticating at most once concurrently.
func (c *Client) Token(ctx context.Context) (string, error) {
	if token, ok := c.cached(); ok {
		return token, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		if token, ok := c.cached(); ok {
			return token, nil
		}
		return c.authenticate(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" || !c.clock.Now().Before(c.until.Add(-tokenRefreshMargin)) {
		return "", false
	}
	return c.token, true
}

func (c *Client) invalidate() {
	c.mu.Lock()
	c.token = ""
	c.until = time.Time{}
	c.mu.Unlock()
}

func (c *Client) authenticate(ctx context.Context) (string, error) {
	body := passwordAuth(c.cfg)
	var out tokenResponse
	header, err := c.http.JSON(ctx, http.MethodPost, c.cfg.AuthURL+"/v3/auth/tokens", nil, body, &out)
	if err != nil {
		return "", fmt.Errorf("keystone authenticate: %w", err)
	}
	token := header.Get("X-Subject-Token")
	if token == "" {
		return "", ErrTokenMissing
	}

	until := out.Token.ExpiresAt
	if until.IsZero() {
		until = c.clock.Now().Add(time.Hour)
	}

	c.mu.Lock()
	c.token = token
	c.until = until
	c.mu.Unlock()

	c.log.Debug("identity.token.issued", zap.Time("expires_at", until))
	return token, nil
}

// get performs an authenticated GET and retries once with a fresh token on 401.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	target := c.cfg.AuthURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		token, err := c.Token(ctx)
		if err != nil {
			return err
		}
		header := http.Header{}
		header.Set("X-Auth-Token", token)
		_, err = c.http.JSON(ctx, http.MethodGet, target, header, nil, out)
		if attempt == 0 && httpclient.IsStatus(err, http.StatusUnauthorized) {
			c.invalidate()
			continue
		}
		return err
	}
}

func (c *Client) findUser(ctx context.Context, name string) (string, error) {
	var out usersResponse
	if err := c.get(ctx, "/v3/users", url.Values{"name": {name}}, &out); err != nil {
		return "", fmt.Errorf("list users: %w", err)
	}
	for _, u := range out.Users {
		if u.Name == name {
			return u.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUserNotFound, name)
}

func (c *Client) findRole(ctx context.Context, name string) (string, error) {
	var out rolesResponse
	if err := c.get(ctx, "/v3/roles", url.Values{"name": {name}}, &out); err != nil {
		return "", fmt.Errorf("list roles: %w", err)
	}
	for _, r := range out.Roles {
		if r.Name == name {
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrRoleNotFound, name)
}

// RateProjects lists the projects on which the rating user holds the rating role.
func (c *Client) RateProjects(ctx context.Context) ([]string, error) {
	userID, err := c.findUser(ctx, c.cfg.RatingUserName)
	if err != nil {
		return nil, err
	}
	roleID, err := c.findRole(ctx, c.cfg.RatingRoleName)
	if err != nil {
		return nil, err
	}

	var out assignmentsResponse
	if err := c.get(ctx, "/v3/role_assignments", url.Values{
		"user.id": {userID},
		"role.id": {roleID},
	}, &out); err != nil {
		return nil, fmt.Errorf("list role assignments: %w", err)
	}

	seen := make(map[string]struct{}, len(out.RoleAssignments))
	projects := make([]string, 0, len(out.RoleAssignments))
	for _, a := range out.RoleAssignments {
		if a.Scope.Project == nil || a.Scope.Project.ID == "" {
			continue
		}
		if _, ok := seen[a.Scope.Project.ID]; ok {
			continue
		}
		seen[a.Scope.Project.ID] = struct{}{}
		projects = append(projects, a.Scope.Project.ID)
	}
	sort.Strings(projects)
	return projects, nil
}

// RateUser returns the holder of the billing owner role on the project. ok is false
// when nobody holds it.
func (c *Client) RateUser(ctx context.Context, projectID string) (string, bool, error) {
	roleID, err := c.findRole(ctx, c.cfg.BillingOwnerRole)
	if err != nil {
		return "", false, err
	}

	var out assignmentsResponse
	if err := c.get(ctx, "/v3/role_assignments", url.Values{
		"role.id":          {roleID},
		"scope.project.id": {projectID},
	}, &out); err != nil {
		return "", false, fmt.Errorf("list role assignments: %w", err)
	}
	for _, a := range out.RoleAssignments {
		if a.User != nil && a.User.ID != "" {
			return a.User.ID, true, nil
		}
	}
	return "", false, nil
}
