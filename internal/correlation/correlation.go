package correlation

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

// New returns a time-ordered (UUIDv7) correlation identifier.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// With attaches id to ctx.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// ID returns the correlation identifier carried by ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
