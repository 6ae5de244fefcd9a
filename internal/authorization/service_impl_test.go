package authorization

import (
	"context"
	"testing"

	"github.com/smallbiznis/shadowfiend/internal/requestcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) Service {
	t.Helper()
	enforcer, err := NewMemoryEnforcer()
	require.NoError(t, err)
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func TestAuthorize(t *testing.T) {
	svc := newTestService(t)

	admin := requestcontext.Actor{Type: requestcontext.ActorAdmin, UserID: "root"}
	user := requestcontext.Actor{Type: requestcontext.ActorUser, UserID: "u1", DomainID: "d1"}

	tests := []struct {
		name    string
		actor   *requestcontext.Actor
		object  string
		action  string
		target  Target
		wantErr error
	}{
		{name: "missing actor", object: ObjectAccount, action: ActionAccountView, wantErr: ErrInvalidActor},
		{name: "system debits", actor: ptr(requestcontext.SystemActor()), object: ObjectAccount, action: ActionAccountDebit, target: Target{UserID: "u1"}},
		{name: "system cannot transfer", actor: ptr(requestcontext.SystemActor()), object: ObjectAccount, action: ActionAccountTransfer, wantErr: ErrForbidden},
		{name: "admin wildcard", actor: &admin, object: ObjectProject, action: ActionProjectChangeOwner, target: Target{UserID: "u9", DomainID: "d2"}},
		{name: "user views own account", actor: &user, object: ObjectAccount, action: ActionAccountView, target: Target{UserID: "u1"}},
		{name: "user views other account", actor: &user, object: ObjectAccount, action: ActionAccountView, target: Target{UserID: "u2"}, wantErr: ErrForbidden},
		{name: "user cannot debit", actor: &user, object: ObjectAccount, action: ActionAccountDebit, target: Target{UserID: "u1"}, wantErr: ErrForbidden},
		{name: "empty object", actor: &admin, action: ActionAccountView, wantErr: ErrInvalidObject},
		{name: "empty action", actor: &admin, object: ObjectAccount, wantErr: ErrInvalidAction},
		{name: "user without id", actor: &requestcontext.Actor{Type: requestcontext.ActorUser}, object: ObjectAccount, action: ActionAccountView, wantErr: ErrInvalidActor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.actor != nil {
				ctx = requestcontext.WithActor(ctx, *tt.actor)
			}
			err := svc.Authorize(ctx, tt.object, tt.action, tt.target)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	svc := newTestService(t)

	err := svc.RequireAdmin(context.Background())
	assert.ErrorIs(t, err, ErrInvalidActor)

	err = svc.RequireAdmin(requestcontext.WithSystemActor(context.Background()))
	assert.ErrorIs(t, err, ErrAdminRequired)

	ctx := requestcontext.WithActor(context.Background(), requestcontext.Actor{Type: requestcontext.ActorAdmin, UserID: "root"})
	assert.NoError(t, svc.RequireAdmin(ctx))
}

func TestSeedPoliciesIsIdempotent(t *testing.T) {
	enforcer, err := NewMemoryEnforcer()
	require.NoError(t, err)

	before, err := enforcer.GetPolicy()
	require.NoError(t, err)
	require.NoError(t, seedPolicies(enforcer))
	after, err := enforcer.GetPolicy()
	require.NoError(t, err)

	assert.Len(t, after, len(before))
}

func ptr[T any](v T) *T { return &v }
