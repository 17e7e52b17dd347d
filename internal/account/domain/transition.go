package domain

// Trigger is the business event that may move an account between states.
type Trigger string

const (
	TriggerPaymentFailed    Trigger = "payment_failed"
	TriggerPaymentSucceeded Trigger = "payment_succeeded"
	TriggerGraceExpired     Trigger = "grace_expired"
)

// Outcome of evaluating a trigger against the current status.
type Outcome int

const (
	// OutcomeApply moves the account to a new status.
	OutcomeApply Outcome = iota
	// OutcomeNoop leaves the account untouched; the trigger is already
	// reflected by the current status.
	OutcomeNoop
	// OutcomeReject means the trigger is not valid from the current status.
	OutcomeReject
)

// NextStatus is the complete transition table:
//
//	ACTIVE    --payment_failed-->    DUE
//	DUE       --payment_succeeded--> ACTIVE
//	DUE       --grace_expired-->     SUSPENDED
//	SUSPENDED --payment_succeeded--> ACTIVE
//
// Repeating the trigger that produced the current status is a no-op.
// Everything else is rejected; SUSPENDED is never reachable from ACTIVE.
func NextStatus(from Status, trigger Trigger) (Status, Outcome) {
	switch trigger {
	case TriggerPaymentFailed:
		switch from {
		case StatusActive:
			return StatusDue, OutcomeApply
		case StatusDue, StatusSuspended:
			return from, OutcomeNoop
		}
	case TriggerPaymentSucceeded:
		switch from {
		case StatusDue, StatusSuspended:
			return StatusActive, OutcomeApply
		case StatusActive:
			return from, OutcomeNoop
		}
	case TriggerGraceExpired:
		switch from {
		case StatusDue:
			return StatusSuspended, OutcomeApply
		case StatusSuspended:
			return from, OutcomeNoop
		}
	}
	return from, OutcomeReject
}
