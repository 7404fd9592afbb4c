package capability

import "context"

type contextKey struct {
	name string
}

var instanceContextKey = &contextKey{name: "instance_id"}

// WithInstance attaches the acting instance id to ctx so audit events
// record it.
func WithInstance(ctx context.Context, instanceID string) context.Context {
	return context.WithValue(ctx, instanceContextKey, instanceID)
}

// InstanceFromContext returns the instance id attached by WithInstance.
func InstanceFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(instanceContextKey).(string)
	return id, ok
}
