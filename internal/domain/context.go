package domain

import "context"

type actorContextKey struct{}

// WithActor attaches the acting user to the context so engine operations can
// stamp processed-by fields and audit entries.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}
