package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/shadowfiend/internal/clock"
	"github.com/smallbiznis/shadowfiend/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeKeystone struct {
	t      *testing.T
	issued int32
	expiry time.Time
	// tokens listed here are rejected with 401
	revoked sync.Map
}

func (k *fakeKeystone) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/auth/tokens", func(w http.ResponseWriter, r *http.Request) {
		var req authRequest
		require.NoError(k.t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(k.t, []string{"password"}, req.Auth.Identity.Methods)
		assert.Equal(k.t, "shadowfiend", req.Auth.Identity.Password.User.Name)
		assert.Equal(k.t, "service", req.Auth.Scope.Project.Name)

		n := atomic.AddInt32(&k.issued, 1)
		w.Header().Set("X-Subject-Token", fmt.Sprintf("tok-%d", n))
		w.WriteHeader(http.StatusCreated)
		_, _ = fmt.Fprintf(w, `{"token":{"expires_at":%q}}`, k.expiry.Format(time.RFC3339))
	})
	mux.HandleFunc("GET /v3/users", func(w http.ResponseWriter, r *http.Request) {
		if !k.authorized(w, r) {
			return
		}
		_, _ = fmt.Fprintf(w, `{"users":[{"id":"ck-id","name":%q}]}`, r.URL.Query().Get("name"))
	})
	mux.HandleFunc("GET /v3/roles", func(w http.ResponseWriter, r *http.Request) {
		if !k.authorized(w, r) {
			return
		}
		switch r.URL.Query().Get("name") {
		case "rating":
			_, _ = w.Write([]byte(`{"roles":[{"id":"rating-id","name":"rating"}]}`))
		case "billing_owner":
			_, _ = w.Write([]byte(`{"roles":[{"id":"owner-id","name":"billing_owner"}]}`))
		default:
			_, _ = w.Write([]byte(`{"roles":[]}`))
		}
	})
	mux.HandleFunc("GET /v3/role_assignments", func(w http.ResponseWriter, r *http.Request) {
		if !k.authorized(w, r) {
			return
		}
		q := r.URL.Query()
		switch q.Get("role.id") {
		case "rating-id":
			assert.Equal(k.t, "ck-id", q.Get("user.id"))
			_, _ = w.Write([]byte(`{"role_assignments":[
				{"scope":{"project":{"id":"p2"}},"user":{"id":"ck-id"}},
				{"scope":{"project":{"id":"p1"}},"user":{"id":"ck-id"}},
				{"scope":{"project":{"id":"p2"}},"user":{"id":"ck-id"}},
				{"scope":{"domain":{"id":"default"}},"user":{"id":"ck-id"}}
			]}`))
		case "owner-id":
			if q.Get("scope.project.id") == "p1" {
				_, _ = w.Write([]byte(`{"role_assignments":[{"scope":{"project":{"id":"p1"}},"user":{"id":"u1"}}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"role_assignments":[]}`))
		}
	})
	return mux
}

func (k *fakeKeystone) authorized(w http.ResponseWriter, r *http.Request) bool {
	token := r.Header.Get("X-Auth-Token")
	if _, revoked := k.revoked.Load(token); token == "" || revoked {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func newTestClient(t *testing.T, clk clock.Clock) (*Client, *fakeKeystone) {
	t.Helper()
	ks := &fakeKeystone{t: t, expiry: testNow.Add(time.Hour)}
	srv := httptest.NewServer(ks.handler())
	t.Cleanup(srv.Close)

	cfg := config.Config{Identity: config.IdentityConfig{
		AuthURL:          srv.URL,
		Username:         "shadowfiend",
		Password:         "secret",
		UserDomainName:   "Default",
		ProjectName:      "service",
		ProjectDomain:    "Default",
		RatingUserName:   "cloudkitty",
		RatingRoleName:   "rating",
		BillingOwnerRole: "billing_owner",
		RequestTimeout:   time.Second,
	}}
	client, err := NewClient(Params{Log: zap.NewNop(), Config: cfg, Clock: clk})
	require.NoError(t, err)
	return client, ks
}

func TestToken_IsCachedUntilNearExpiry(t *testing.T) {
	clk := clock.NewFakeClock(testNow)
	client, ks := newTestClient(t, clk)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := client.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok-1", token)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, atomic.LoadInt32(&ks.issued))

	clk.Advance(58 * time.Minute)
	token, err := client.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	clk.Advance(90 * time.Second)
	token, err = client.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
}

func TestRateProjects(t *testing.T) {
	client, _ := newTestClient(t, clock.NewFakeClock(testNow))

	projects, err := client.RateProjects(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, projects)
}

func TestRateUser(t *testing.T) {
	client, _ := newTestClient(t, clock.NewFakeClock(testNow))

	user, ok, err := client.RateUser(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "u1", user)

	user, ok, err = client.RateUser(context.Background(), "p9")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, user)
}

func TestRateUser_MissingRoleIsAnError(t *testing.T) {
	client, _ := newTestClient(t, clock.NewFakeClock(testNow))
	client.cfg.BillingOwnerRole = "no_such_role"

	_, _, err := client.RateUser(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrRoleNotFound)
}

func TestGet_ReauthenticatesOnUnauthorized(t *testing.T) {
	client, ks := newTestClient(t, clock.NewFakeClock(testNow))

	_, err := client.Token(context.Background())
	require.NoError(t, err)
	ks.revoked.Store("tok-1", struct{}{})

	projects, err := client.RateProjects(context.Background())
	require.NoError(t, err)
	assert.Len(t, projects, 2)
	assert.EqualValues(t, 2, atomic.LoadInt32(&ks.issued))
}

func TestNewClient_RequiresAuthURL(t *testing.T) {
	_, err := NewClient(Params{Log: zap.NewNop(), Config: config.Config{}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
