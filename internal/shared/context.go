package shared

import "context"

// Actor identifies the staff member performing a request.
type Actor struct {
	UserID int64
	Email  string
	Role   string
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context. ok is false for anonymous requests.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}

// ActorID returns the acting user id or zero.
func ActorID(ctx context.Context) int64 {
	actor, _ := ActorFromContext(ctx)
	return actor.UserID
}
