package core

import (
	"encoding/json"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ScanStatus is the lifecycle state of a scan:
// created → running → {completed | aborted | stopped}.
// Terminal states accept no further events.
type ScanStatus string

const (
	StatusCreated   ScanStatus = "created"
	StatusRunning   ScanStatus = "running"
	StatusCompleted ScanStatus = "completed"
	StatusAborted   ScanStatus = "aborted"
	StatusStopped   ScanStatus = "stopped"
)

// Terminal reports whether the status accepts no further transitions.
func (s ScanStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAborted, StatusStopped:
		return true
	}
	return false
}

// CanTransition reports whether the status machine permits moving to next.
func (s ScanStatus) CanTransition(next ScanStatus) bool {
	switch s {
	case StatusCreated:
		return next == StatusRunning || next == StatusAborted
	case StatusRunning:
		return next == StatusCompleted || next == StatusAborted || next == StatusStopped
	}
	return false
}

// Scan is one execution run against a target, with its own event set,
// module selection, and frozen configuration snapshot.
type Scan struct {
	ID          string     `json:"id"`
	Target      string     `json:"target"`
	TargetType  EventType  `json:"target_type"`
	Status      ScanStatus `json:"status"`
	Modules     []string   `json:"modules"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     time.Time  `json:"ended_at,omitzero"`
	Truncated   bool       `json:"truncated,omitempty"`
	FailedCalls int        `json:"failed_calls,omitempty"`
}

// NewScan creates a scan in the created state.
func NewScan(target string, targetType EventType, modules []string) *Scan {
	return &Scan{
		ID:         uuid.New().String(),
		Target:     target,
		TargetType: targetType,
		Status:     StatusCreated,
		Modules:    modules,
		StartedAt:  time.Now().UTC(),
	}
}

// ConfigSnapshot freezes per-module options at scan start. Later global
// configuration changes must not retroactively alter a running or completed
// scan, so the snapshot is persisted with the scan and read back from there.
type ConfigSnapshot struct {
	ModuleOptions map[string]map[string]string `json:"module_options"`
	Limits        ScanLimits                   `json:"limits"`
}

// ScanLimits bounds a scan's resource use. Exceeding a limit forces an early
// transition to completed with the truncation flag recorded.
type ScanLimits struct {
	MaxDuration      time.Duration `json:"max_duration"`
	MaxEventsPerType int           `json:"max_events_per_type"`
	ModuleTimeout    time.Duration `json:"module_timeout"`
	Workers          int           `json:"workers"`
}

// Marshal serializes the snapshot for persistence.
func (c *ConfigSnapshot) Marshal() ([]byte, error) { return json.Marshal(c) }

// UnmarshalConfigSnapshot deserializes a persisted snapshot.
func UnmarshalConfigSnapshot(data []byte) (*ConfigSnapshot, error) {
	var c ConfigSnapshot
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Correlation is a derived finding produced by applying a rule to a scan's
// stored events. Read-only once created; keyed by (scan, rule) so re-running
// a rule replaces its prior record rather than duplicating it.
type Correlation struct {
	ScanID      string    `json:"scan_id"`
	RuleID      string    `json:"rule_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Risk        string    `json:"risk"`
	EventIDs    []string  `json:"event_ids"`
	CreatedAt   time.Time `json:"created_at"`
}

func marshalScan(s *Scan) ([]byte, error) { return json.Marshal(s) }

var (
	asnRe   = regexp.MustCompile(`^(?i)AS\d+$`)
	humanRe = regexp.MustCompile(`^"?([A-Z][a-z'-]+\s+){1,4}[A-Z][a-z'-]+"?$`)
)

// GuessTargetType infers the event type of a raw target string so scans can
// be started from a bare identifier: IP, netblock, domain, email, phone
// number, ASN, quoted human name, or username.
func GuessTargetType(target string) EventType {
	t := strings.TrimSpace(target)
	switch {
	case t == "":
		return ""
	case func() bool { a, err := netip.ParseAddr(t); return err == nil && a.Is4() }():
		return TypeIPAddress
	case func() bool { _, err := netip.ParseAddr(t); return err == nil }():
		return TypeIPv6Address
	case func() bool { _, err := netip.ParsePrefix(t); return err == nil }():
		return TypeNetblock
	case emailRe.MatchString(t):
		return TypeEmailAddr
	case asnRe.MatchString(t):
		return TypeASN
	case phoneRe.MatchString(t) && strings.HasPrefix(t, "+"):
		return TypePhoneNumber
	case humanRe.MatchString(t) && strings.Contains(t, " "):
		return TypeHumanName
	case hostnameRe.MatchString(t):
		return TypeDomainName
	default:
		return TypeUsername
	}
}
