package requestcontext

import (
	"context"
	"strings"

	"github.com/oklog/ulid/v2"
)

// ActorType distinguishes who is calling into the ledger.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorAdmin  ActorType = "admin"
	ActorUser   ActorType = "user"
)

// Actor identifies the caller of a ledger operation.
type Actor struct {
	Type     ActorType
	UserID   string
	DomainID string
}

// ID renders the actor as a casbin subject, e.g. "user:abc".
func (a Actor) ID() string {
	if a.Type == ActorSystem {
		return string(ActorSystem)
	}
	return string(a.Type) + ":" + strings.TrimSpace(a.UserID)
}

// Operator is the value recorded on charges; system actors have none.
func (a Actor) Operator() *string {
	if a.Type == ActorSystem || strings.TrimSpace(a.UserID) == "" {
		return nil
	}
	id := a.UserID
	return &id
}

type actorKey struct{}
type correlationKey struct{}

// SystemActor is used by background reconciliation.
func SystemActor() Actor {
	return Actor{Type: ActorSystem}
}

func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func WithSystemActor(ctx context.Context) context.Context {
	return WithActor(ctx, SystemActor())
}

// ActorFromContext returns the actor, if set.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

// CorrelationIDFromContext fetches a correlation ID from the context if present.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID guarantees a correlation ID on the context, generating one when missing.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	cid := CorrelationIDFromContext(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return WithCorrelationID(ctx, cid), cid
}
