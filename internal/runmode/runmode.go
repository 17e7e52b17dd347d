// Package runmode carries the per-invocation execution flags of batch jobs.
package runmode

import "strings"

// RunMode is passed explicitly into every batch job and side-effecting
// operation. The zero value performs writes normally.
type RunMode struct {
	// DryRun computes outcomes without persisting them.
	DryRun bool
	// ForceWrites re-enables writes during a dry run, e.g. for backfills
	// that should report like a dry run but still persist.
	ForceWrites bool
}

var Live = RunMode{}

// WritesEnabled reports whether side effects may be persisted.
func (m RunMode) WritesEnabled() bool {
	return !m.DryRun || m.ForceWrites
}

func (m RunMode) String() string {
	switch {
	case m.DryRun && m.ForceWrites:
		return "dry_run+force_writes"
	case m.DryRun:
		return "dry_run"
	default:
		return "live"
	}
}

// Parse builds a RunMode from query-string style flags.
func Parse(dryRun, forceWrites string) RunMode {
	return RunMode{
		DryRun:      parseBool(dryRun),
		ForceWrites: parseBool(forceWrites),
	}
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
