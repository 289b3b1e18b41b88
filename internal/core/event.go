package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RootSourceHash is the sentinel source hash carried by a scan's root event.
const RootSourceHash = "ROOT"

// Event is a single typed finding produced by a module during a scan. Events
// are immutable once created; the store may only bump confidence/visibility
// when merging duplicates.
type Event struct {
	ID         string    `json:"id"`
	ScanID     string    `json:"scan_id"`
	Type       EventType `json:"type"`
	Data       string    `json:"data"`
	Module     string    `json:"module"`
	SourceID   string    `json:"source_id,omitempty"`
	SourceHash string    `json:"source_hash"`
	Confidence int       `json:"confidence"`
	Visibility int       `json:"visibility"`
	Risk       int       `json:"risk"`
	CreatedAt  time.Time `json:"created_at"`
	Hash       string    `json:"hash"`
}

// NewEvent constructs an event from a type, payload, and producing module.
// source is the event that caused this one; nil only for a scan's root event.
// The dedup hash covers (type, data, module, source hash) so the same datum
// found via a different path is still recorded once per path.
func NewEvent(t EventType, data, module string, source *Event) (*Event, error) {
	ev := &Event{
		ID:         uuid.New().String(),
		Type:       t,
		Data:       data,
		Module:     module,
		Confidence: 100,
		Visibility: 100,
		Risk:       0,
		CreatedAt:  time.Now().UTC(),
		SourceHash: RootSourceHash,
	}
	if source != nil {
		ev.ScanID = source.ScanID
		ev.SourceID = source.ID
		ev.SourceHash = source.Hash
	}
	ev.Hash = ev.computeHash()

	if err := ValidateEvent(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// NewRootEvent constructs the seed event for a scan. Its type is the scan's
// target type and its data the target itself.
func NewRootEvent(scanID string, t EventType, target string) (*Event, error) {
	ev, err := NewEvent(t, target, "tracelight", nil)
	if err != nil {
		return nil, err
	}
	ev.ScanID = scanID
	return ev, nil
}

func (e *Event) computeHash() string {
	h := sha256.New()
	h.Write([]byte(e.Type))
	h.Write([]byte{0})
	h.Write([]byte(e.Data))
	h.Write([]byte{0})
	h.Write([]byte(e.Module))
	h.Write([]byte{0})
	h.Write([]byte(e.SourceHash))
	return hex.EncodeToString(h.Sum(nil))
}

// WithScores sets confidence/visibility/risk and re-validates their 0-100 range.
func (e *Event) WithScores(confidence, visibility, risk int) (*Event, error) {
	e.Confidence = confidence
	e.Visibility = visibility
	e.Risk = risk
	if err := ValidateEvent(e); err != nil {
		return nil, err
	}
	return e, nil
}

// IsRoot reports whether this is a scan's seed event.
func (e *Event) IsRoot() bool {
	return e.SourceHash == RootSourceHash
}

// Marshal serializes the event to JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent deserializes an Event from JSON.
func UnmarshalEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
