// Package misp projects a scan's events and correlation records into the
// MISP threat-intel object model. The projection is a derived, disposable
// view: the store stays the system of record, and rebuilding from the same
// source data and options yields an identical document.
package misp

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Attribute is a single MISP attribute.
type Attribute struct {
	Type      string `json:"type"`
	Value     string `json:"value"`
	Category  string `json:"category,omitempty"`
	UUID      string `json:"uuid"`
	Timestamp int64  `json:"timestamp"`
	ToIDS     bool   `json:"to_ids"`
	Comment   string `json:"comment,omitempty"`
}

// Object is a MISP object grouping related attributes.
type Object struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	UUID        string      `json:"uuid"`
	Timestamp   int64       `json:"timestamp"`
	Attributes  []Attribute `json:"Attribute"`
}

// Event is a MISP event: the top-level shareable unit.
type Event struct {
	Info          string      `json:"info"`
	ThreatLevelID int         `json:"threat_level_id"`
	Analysis      int         `json:"analysis"`
	Distribution  int         `json:"distribution"`
	UUID          string      `json:"uuid"`
	Timestamp     int64       `json:"timestamp"`
	Published     bool        `json:"published"`
	Attributes    []Attribute `json:"Attribute"`
	Objects       []Object    `json:"Object"`
	Tags          []string    `json:"Tag"`
}

// AddTag appends a tag once.
func (e *Event) AddTag(tag string) {
	for _, t := range e.Tags {
		if t == tag {
			return
		}
	}
	e.Tags = append(e.Tags, tag)
}

// Marshal renders the event as indented JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

// Taxonomy is a machine taxonomy namespace with predicates and entries.
type Taxonomy struct {
	Namespace   string                          `json:"namespace"`
	Description string                          `json:"description,omitempty"`
	Predicates  map[string]map[string]string    `json:"predicates"`
}

// DefaultTaxonomies returns the taxonomies Tracelight tags exports with:
// Traffic Light Protocol, confidence level, and threat-actor classification.
func DefaultTaxonomies() []Taxonomy {
	return []Taxonomy{
		{
			Namespace:   "tlp",
			Description: "Traffic Light Protocol",
			Predicates: map[string]map[string]string{
				"marking": {
					"white": "TLP:WHITE",
					"green": "TLP:GREEN",
					"amber": "TLP:AMBER",
					"red":   "TLP:RED",
				},
			},
		},
		{
			Namespace:   "confidence",
			Description: "Confidence level",
			Predicates: map[string]map[string]string{
				"level": {
					"low":    "Low confidence",
					"medium": "Medium confidence",
					"high":   "High confidence",
				},
			},
		},
		{
			Namespace:   "threat-actor",
			Description: "Threat Actor Classification",
			Predicates: map[string]map[string]string{
				"type": {
					"apt":        "Advanced Persistent Threat",
					"criminal":   "Criminal",
					"hacktivist": "Hacktivist",
				},
			},
		},
	}
}

// deterministicUUID derives a stable UUID from scan-scoped content, so
// regenerating an export produces byte-identical identifiers.
func deterministicUUID(parts ...string) string {
	name := "tracelight"
	for _, p := range parts {
		name += "/" + p
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
