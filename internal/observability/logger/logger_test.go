package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/settlement/internal/observability/context"
	"github.com/smallbiznis/settlement/pkg/telemetry/correlation"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsTenantAndRequest(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-7")
	ctx = obscontext.WithTenantID(ctx, "tenant-3")

	WithContext(ctx, base).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-7" {
		t.Fatalf("expected request_id req-7, got %v", fields["request_id"])
	}
	if fields["tenant_id"] != "tenant-3" {
		t.Fatalf("expected tenant_id tenant-3, got %v", fields["tenant_id"])
	}
	if fields["actor_type"] != obscontext.ActorSystem {
		t.Fatalf("expected system actor, got %v", fields["actor_type"])
	}
}

func TestWithContextCarriesCorrelationID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	WithContext(context.Background(), zap.New(core)).Info("no correlation")
	ctx := correlation.ContextWithCorrelationID(context.Background(), "01J9Z3RUN")
	WithContext(ctx, zap.New(core)).Info("with correlation")

	entries := logs.All()
	if _, ok := entries[0].ContextMap()["correlation_id"]; ok {
		t.Fatalf("correlation_id must be omitted when absent")
	}
	if got := entries[1].ContextMap()["correlation_id"]; got != "01J9Z3RUN" {
		t.Fatalf("expected correlation_id, got %v", got)
	}
}

func TestSecurityEventFlagsEntry(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	SecurityEvent(zap.New(core), "webhook.signature_invalid")

	entries := logs.FilterField(zap.Bool("security_event", true)).All()
	if len(entries) != 1 {
		t.Fatalf("expected security event entry, got %d", len(entries))
	}
	if entries[0].Level != zap.WarnLevel {
		t.Fatalf("expected warn level, got %s", entries[0].Level)
	}
}
