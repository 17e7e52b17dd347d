package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type tenantIDKey struct{}
type actorKey struct{}

type actor struct {
	kind string
	id   string
}

// Actor types recorded on audit entries and log lines.
const (
	ActorSystem    = "system"
	ActorScheduler = "scheduler"
	ActorGateway   = "gateway"
	ActorOperator  = "operator"
)

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

func WithTenantID(ctx context.Context, tenantID string) context.Context {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

func TenantIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(tenantIDKey{}).(string)
	return value
}

func WithActor(ctx context.Context, kind, id string) context.Context {
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actor{kind: kind, id: strings.TrimSpace(id)})
}

// ActorFromContext defaults to the system actor.
func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return ActorSystem, ""
	}
	value, ok := ctx.Value(actorKey{}).(actor)
	if !ok {
		return ActorSystem, ""
	}
	return value.kind, value.id
}
