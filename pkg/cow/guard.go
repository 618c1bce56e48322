package cow

import "context"

type guardKey struct{}

// WithInProgress returns a context marked as already inside the COW
// hook's own metadata-allocation path. Used to detect fatal recursion:
// the hook must never call itself while resolving its own allocation.
func WithInProgress(ctx context.Context) context.Context {
	return context.WithValue(ctx, guardKey{}, true)
}

// InProgress reports whether ctx was marked by WithInProgress.
func InProgress(ctx context.Context) bool {
	v, _ := ctx.Value(guardKey{}).(bool)
	return v
}
