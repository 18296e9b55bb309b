package goentitle

import "context"

type contextKey int

const (
	actorKey contextKey = iota
	decisionKey
)

// WithActor returns a context carrying the authenticated actor.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFromContext returns the actor stored by WithActor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

// WithDecision returns a context carrying the Gate decision for the request.
func WithDecision(ctx context.Context, d Decision) context.Context {
	return context.WithValue(ctx, decisionKey, d)
}

// DecisionFromContext returns the decision stored by WithDecision.
func DecisionFromContext(ctx context.Context) (Decision, bool) {
	d, ok := ctx.Value(decisionKey).(Decision)
	return d, ok
}

// AccessChecker is implemented by Gate and Manager.
type AccessChecker interface {
	CheckAccess(ctx context.Context, actor Actor) Decision
}

var (
	_ AccessChecker = (*Gate)(nil)
	_ AccessChecker = (*Manager)(nil)
)
