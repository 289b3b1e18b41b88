package core

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy. Errors local to one unit of work (a single module call, a
// single rule, a single export publish) never escalate to scan level; only
// store-layer infrastructure failure is scan-fatal.

// ValidationError reports malformed event data. The offending event is
// dropped and logged; the emitting module continues.
type ValidationError struct {
	Field  string
	Reason string
	Type   EventType
}

func (e *ValidationError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("invalid event (%s): %s: %s", e.Type, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

// ModuleTimeout reports a module call exceeding the per-call deadline. The
// call is abandoned and recorded; the scan continues.
type ModuleTimeout struct {
	Module  string
	EventID string
	Limit   time.Duration
}

func (e *ModuleTimeout) Error() string {
	return fmt.Sprintf("module %s timed out after %s processing event %s", e.Module, e.Limit, e.EventID)
}

// ModuleFailure reports a module logic error or recovered panic for one
// (module, event) pair. Recorded; the scan continues.
type ModuleFailure struct {
	Module  string
	EventID string
	Err     error
}

func (e *ModuleFailure) Error() string {
	return fmt.Sprintf("module %s failed on event %s: %v", e.Module, e.EventID, e.Err)
}

func (e *ModuleFailure) Unwrap() error { return e.Err }

// StoreUnavailable reports persistence-layer infrastructure failure. This is
// the only scan-fatal error: the orchestrator transitions the scan to aborted.
type StoreUnavailable struct {
	Op  string
	Err error
}

func (e *StoreUnavailable) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailable) Unwrap() error { return e.Err }

// RuleEvaluationError reports a single correlation rule failing to evaluate.
// Other rules continue.
type RuleEvaluationError struct {
	RuleID string
	Err    error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Err }

// ExportPublishError reports a failed push to a remote threat-intel system.
// Surfaced to the caller; stored scan data is never altered by it.
type ExportPublishError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *ExportPublishError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("publish to %s failed with status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("publish to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ExportPublishError) Unwrap() error { return e.Err }

// IsScanFatal reports whether an error must abort the owning scan.
func IsScanFatal(err error) bool {
	var su *StoreUnavailable
	return errors.As(err, &su)
}
