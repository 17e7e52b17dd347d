package domain

import (
	"testing"
	"time"
)

func TestNextStatusTable(t *testing.T) {
	cases := []struct {
		from    Status
		trigger Trigger
		to      Status
		outcome Outcome
	}{
		{StatusActive, TriggerPaymentFailed, StatusDue, OutcomeApply},
		{StatusActive, TriggerPaymentSucceeded, StatusActive, OutcomeNoop},
		{StatusActive, TriggerGraceExpired, StatusActive, OutcomeReject},
		{StatusDue, TriggerPaymentFailed, StatusDue, OutcomeNoop},
		{StatusDue, TriggerPaymentSucceeded, StatusActive, OutcomeApply},
		{StatusDue, TriggerGraceExpired, StatusSuspended, OutcomeApply},
		{StatusSuspended, TriggerPaymentFailed, StatusSuspended, OutcomeNoop},
		{StatusSuspended, TriggerPaymentSucceeded, StatusActive, OutcomeApply},
		{StatusSuspended, TriggerGraceExpired, StatusSuspended, OutcomeNoop},
		{Status("UNKNOWN"), TriggerPaymentFailed, Status("UNKNOWN"), OutcomeReject},
	}

	for _, tc := range cases {
		to, outcome := NextStatus(tc.from, tc.trigger)
		if to != tc.to || outcome != tc.outcome {
			t.Fatalf("%s + %s: expected (%s, %d), got (%s, %d)", tc.from, tc.trigger, tc.to, tc.outcome, to, outcome)
		}
	}
}

func TestSuspendedUnreachableFromActive(t *testing.T) {
	for _, trigger := range []Trigger{TriggerPaymentFailed, TriggerPaymentSucceeded, TriggerGraceExpired} {
		to, outcome := NextStatus(StatusActive, trigger)
		if outcome == OutcomeApply && to == StatusSuspended {
			t.Fatalf("ACTIVE reached SUSPENDED via %s", trigger)
		}
	}
}

func TestValidate(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	grace := start.Add(14 * 24 * time.Hour)
	base := BillingAccount{
		TenantID:   "tenant-1",
		TenantType: TenantOrg,
		Status:     StatusActive,
		CycleStart: start,
		CycleEnd:   start.AddDate(0, 1, 0),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid account, got %v", err)
	}

	due := base
	due.Status = StatusDue
	if err := due.Validate(); err != ErrGracePeriodMismatch {
		t.Fatalf("expected grace mismatch for DUE without grace end, got %v", err)
	}
	due.GracePeriodEnd = &grace
	if err := due.Validate(); err != nil {
		t.Fatalf("expected valid DUE account, got %v", err)
	}

	active := base
	active.GracePeriodEnd = &grace
	if err := active.Validate(); err != ErrGracePeriodMismatch {
		t.Fatalf("expected grace mismatch for ACTIVE with grace end, got %v", err)
	}

	inverted := base
	inverted.CycleEnd = inverted.CycleStart
	if err := inverted.Validate(); err != ErrInvalidCycle {
		t.Fatalf("expected invalid cycle, got %v", err)
	}
}
