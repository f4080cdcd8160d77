package utils

import (
	"context"

	"bitbucket.org/mmtpdigital/recon_backend/appctx"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeySupplierId    = appctx.ContextKeySupplierId
	ContextKeyRunId         = appctx.ContextKeyRunId
	ContextKeyActorId       = appctx.ContextKeyActorId
	ContextKeyActorType     = appctx.ContextKeyActorType
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetSupplierIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeySupplierId)
}

func SetSupplierIdInContext(ctx context.Context, supplierId string) context.Context {
	return appctx.Set(ctx, ContextKeySupplierId, supplierId)
}

func GetRunIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyRunId)
}

func SetRunIdInContext(ctx context.Context, runId string) context.Context {
	return appctx.Set(ctx, ContextKeyRunId, runId)
}

func GetActorIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActorId)
}

func SetActorIdInContext(ctx context.Context, actorId string) context.Context {
	return appctx.Set(ctx, ContextKeyActorId, actorId)
}

func GetActorTypeFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyActorType)
}

func SetActorTypeInContext(ctx context.Context, actorType string) context.Context {
	return appctx.Set(ctx, ContextKeyActorType, actorType)
}
