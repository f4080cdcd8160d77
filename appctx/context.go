package appctx

import "context"

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> utils).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyCorrelationId = ContextKey("CorrelationId")
	ContextKeySupplierId    = ContextKey("SupplierId")
	ContextKeyRunId         = ContextKey("RunId")

	// ContextKeyActorId / ContextKeyActorType identify who triggered a
	// state-changing operation. Audit events record both.
	ContextKeyActorId   = ContextKey("ActorId")
	ContextKeyActorType = ContextKey("ActorType")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}
