package requestcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{Type: ActorUser, UserID: "u1", DomainID: "default"})

	actor, ok := ActorFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "user:u1", actor.ID())
	require.NotNil(t, actor.Operator())
	assert.Equal(t, "u1", *actor.Operator())

	_, ok = ActorFromContext(context.Background())
	assert.False(t, ok)
}

func TestSystemActorHasNoOperator(t *testing.T) {
	actor := SystemActor()
	assert.Equal(t, "system", actor.ID())
	assert.Nil(t, actor.Operator())
}

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())
	require.NotEmpty(t, cid)

	_, again := EnsureCorrelationID(ctx)
	assert.Equal(t, cid, again)
}
