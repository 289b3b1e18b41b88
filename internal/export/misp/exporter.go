package misp

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/tracelight-project/tracelight/internal/core"
	"github.com/tracelight-project/tracelight/internal/store"
)

// Source is the slice of the store the exporter reads from.
type Source interface {
	GetScan(ctx context.Context, id string) (*core.Scan, error)
	Events(ctx context.Context, scanID string, f store.Filter) ([]*core.Event, error)
	Correlations(ctx context.Context, scanID string) ([]*core.Correlation, error)
}

// Options control what a built export contains.
type Options struct {
	// ConfidenceThreshold drops events below this confidence.
	ConfidenceThreshold int
	// TLP is the Traffic Light Protocol marking: white, green, amber or red.
	TLP string
	// IncludeCorrelations adds a correlation-findings object.
	IncludeCorrelations bool
	// IncludeDomainIP adds domain-ip pairing objects for addresses whose
	// provenance chain passes through a name finding.
	IncludeDomainIP bool
}

// DefaultOptions mirror the daemon's export config defaults.
func DefaultOptions() Options {
	return Options{ConfidenceThreshold: 50, TLP: "amber", IncludeCorrelations: true, IncludeDomainIP: true}
}

// Exporter builds MISP events from stored scan data.
type Exporter struct {
	src    Source
	logger zerolog.Logger
}

func NewExporter(src Source, logger zerolog.Logger) *Exporter {
	return &Exporter{
		src:    src,
		logger: logger.With().Str("component", "misp-export").Logger(),
	}
}

// rawTypes never export as attributes: bulk content has no MISP shape.
var rawTypes = map[core.EventType]bool{
	core.TypeRoot:       true,
	core.TypeRawData:    true,
	core.TypeRawRIRData: true,
}

// Build assembles a MISP event for a scan. The result is deterministic:
// the same stored data and options always produce the same document,
// identifiers included.
func (x *Exporter) Build(ctx context.Context, scanID string, opts Options) (*Event, error) {
	scan, err := x.src.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	events, err := x.src.Events(ctx, scanID, store.Filter{MinConfidence: opts.ConfidenceThreshold})
	if err != nil {
		return nil, err
	}

	out := &Event{
		Info:          fmt.Sprintf("Tracelight reconnaissance of %s", scan.Target),
		ThreatLevelID: 4,
		Analysis:      2,
		UUID:          deterministicUUID(scanID),
		Published:     false,
	}
	if !scan.StartedAt.IsZero() {
		out.Timestamp = scan.StartedAt.Unix()
	}

	byType := make(map[core.EventType][]*core.Event)
	byID := make(map[string]*core.Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
		if rawTypes[ev.Type] {
			continue
		}
		byType[ev.Type] = append(byType[ev.Type], ev)
	}

	types := make([]core.EventType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		obj := Object{
			Name:        objectName(t),
			Description: fmt.Sprintf("Findings of type %s", t),
			UUID:        deterministicUUID(scanID, "object", string(t)),
			Timestamp:   out.Timestamp,
		}
		for _, ev := range byType[t] {
			obj.Attributes = append(obj.Attributes, x.attribute(scanID, ev))
		}
		out.Objects = append(out.Objects, obj)
	}

	if opts.IncludeDomainIP {
		out.Objects = append(out.Objects, x.pairDomainIP(scanID, events, byID)...)
	}

	if opts.IncludeCorrelations {
		corrs, err := x.src.Correlations(ctx, scanID)
		if err != nil {
			return nil, err
		}
		if obj, ok := x.correlationObject(scanID, corrs, out.Timestamp); ok {
			out.Objects = append(out.Objects, obj)
		}
		out.ThreatLevelID = threatLevel(corrs)
	}

	out.AddTag("tlp:" + strings.ToLower(opts.TLP))
	out.AddTag(confidenceTag(opts.ConfidenceThreshold))

	x.logger.Debug().
		Str("scan_id", scanID).
		Int("objects", len(out.Objects)).
		Msg("built misp event")
	return out, nil
}

func (x *Exporter) attribute(scanID string, ev *core.Event) Attribute {
	return Attribute{
		Type:      mapType(ev.Type),
		Value:     ev.Data,
		Category:  mapCategory(ev.Type),
		UUID:      deterministicUUID(scanID, "attr", ev.Hash),
		Timestamp: ev.CreatedAt.Unix(),
		ToIDS:     ev.Confidence >= 75,
		Comment:   fmt.Sprintf("reported by %s", ev.Module),
	}
}

// pairDomainIP emits a domain-ip object for each address whose provenance
// chain passes through a name finding: the chain is the evidence that the
// address belongs to that name.
func (x *Exporter) pairDomainIP(scanID string, events []*core.Event, byID map[string]*core.Event) []Object {
	var objs []Object
	seen := make(map[string]bool)
	for _, ev := range events {
		if ev.Type != core.TypeIPAddress && ev.Type != core.TypeIPv6Address {
			continue
		}
		name := nearestName(ev, byID)
		if name == nil {
			continue
		}
		key := name.Data + "|" + ev.Data
		if seen[key] {
			continue
		}
		seen[key] = true
		ts := ev.CreatedAt.Unix()
		objs = append(objs, Object{
			Name:        "domain-ip",
			Description: "Domain and IP address observed together",
			UUID:        deterministicUUID(scanID, "domain-ip", name.Data, ev.Data),
			Timestamp:   ts,
			Attributes: []Attribute{
				{
					Type:      "domain",
					Value:     name.Data,
					Category:  "Network activity",
					UUID:      deterministicUUID(scanID, "domain-ip", name.Data, ev.Data, "domain"),
					Timestamp: ts,
				},
				{
					Type:      "ip-dst",
					Value:     ev.Data,
					Category:  "Network activity",
					UUID:      deterministicUUID(scanID, "domain-ip", name.Data, ev.Data, "ip"),
					Timestamp: ts,
				},
			},
		})
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].UUID < objs[j].UUID })
	return objs
}

// nearestName walks the provenance chain toward the root and returns the
// first name-typed ancestor, the address event's own source included.
func nearestName(ev *core.Event, byID map[string]*core.Event) *core.Event {
	cur := ev
	for hops := 0; hops < 64; hops++ {
		parent, ok := byID[cur.SourceID]
		if !ok {
			return nil
		}
		if parent.Type == core.TypeDomainName || parent.Type == core.TypeInternetName {
			return parent
		}
		cur = parent
	}
	return nil
}

func (x *Exporter) correlationObject(scanID string, corrs []*core.Correlation, ts int64) (Object, bool) {
	if len(corrs) == 0 {
		return Object{}, false
	}
	obj := Object{
		Name:        "tracelight-correlation",
		Description: "Correlation findings",
		UUID:        deterministicUUID(scanID, "object", "correlations"),
		Timestamp:   ts,
	}
	for _, c := range corrs {
		obj.Attributes = append(obj.Attributes, Attribute{
			Type:      "text",
			Value:     c.Title,
			Category:  "External analysis",
			UUID:      deterministicUUID(scanID, "correlation", c.RuleID),
			Timestamp: c.CreatedAt.Unix(),
			Comment:   fmt.Sprintf("risk %s, %d events", c.Risk, len(c.EventIDs)),
		})
	}
	sort.Slice(obj.Attributes, func(i, j int) bool { return obj.Attributes[i].UUID < obj.Attributes[j].UUID })
	return obj, true
}

// threatLevel maps the worst correlation risk to a MISP threat level:
// 1 high, 2 medium, 3 low, 4 undefined.
func threatLevel(corrs []*core.Correlation) int {
	level := 4
	for _, c := range corrs {
		switch c.Risk {
		case "HIGH":
			return 1
		case "MEDIUM":
			if level > 2 {
				level = 2
			}
		case "LOW":
			if level > 3 {
				level = 3
			}
		}
	}
	return level
}

func confidenceTag(threshold int) string {
	switch {
	case threshold >= 75:
		return `confidence:level="high"`
	case threshold >= 50:
		return `confidence:level="medium"`
	default:
		return `confidence:level="low"`
	}
}

// WriteFile writes the export to disk, gzip-compressed when the path ends
// in .gz.
func WriteFile(path string, ev *Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshal misp event: %w", err)
	}
	if !strings.HasSuffix(path, ".gz") {
		return os.WriteFile(path, data, 0o644)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
