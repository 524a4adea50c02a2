package paralyze

import (
	"context"
	"strconv"
)

// FenceToken is a strictly increasing integer scoped to a resource or task
// key, allocated on every successful acquisition. Workers must present it
// on every state-mutating call against external systems guarded by the
// lease, so those systems can reject writes from an owner that lost its
// lease without noticing.
type FenceToken int64

// String returns the token in decimal form for headers and log fields.
func (f FenceToken) String() string {
	return strconv.FormatInt(int64(f), 10)
}

// Newer reports whether f supersedes other. External systems keep the
// highest token seen per resource and reject anything not newer.
func (f FenceToken) Newer(other FenceToken) bool {
	return f > other
}

type fenceKey struct{}

// ContextWithFence returns a context carrying the fence token guarding the
// current unit of work. Worker handlers receive such a context and thread
// it through to every external side effect.
func ContextWithFence(ctx context.Context, f FenceToken) context.Context {
	return context.WithValue(ctx, fenceKey{}, f)
}

// FenceFromContext extracts the fence token placed by ContextWithFence.
// The second return is false when the context carries no token.
func FenceFromContext(ctx context.Context) (FenceToken, bool) {
	f, ok := ctx.Value(fenceKey{}).(FenceToken)
	return f, ok
}
