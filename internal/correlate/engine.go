package correlate

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tracelight-project/tracelight/internal/core"
	"github.com/tracelight-project/tracelight/internal/store"
)

// Engine evaluates a rule set against one scan's accumulated events. Rules
// are independent: they share no mutable state, their evaluation order never
// changes any individual rule's output, and one rule failing leaves the rest
// untouched. The engine only reads events and writes correlation records —
// it never mutates an event.
type Engine struct {
	st     store.Store
	rules  []*Rule
	logger zerolog.Logger
}

// New creates an engine over st with the given rule set.
func New(st store.Store, rules []*Rule, logger zerolog.Logger) *Engine {
	return &Engine{
		st:     st,
		rules:  rules,
		logger: logger.With().Str("component", "correlator").Logger(),
	}
}

// Report summarizes one correlation pass.
type Report struct {
	ScanID  string              `json:"scan_id"`
	Matched []*core.Correlation `json:"matched"`
	Errors  []error             `json:"-"`
}

// RunScan evaluates every rule against the scan's current event snapshot.
// Each matching rule upserts its correlation record keyed by (scan, rule),
// so re-running against an unchanged event set replaces rather than
// duplicates. Per-rule failures are collected in the report; they never
// stop the remaining rules.
func (e *Engine) RunScan(ctx context.Context, scanID string) (*Report, error) {
	events, err := e.st.Events(ctx, scanID, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}

	// Source forest index, built once and shared read-only across rules.
	parents := make(map[string]string, len(events))
	for _, ev := range events {
		if ev.SourceID != "" {
			parents[ev.ID] = ev.SourceID
		}
	}

	report := &Report{ScanID: scanID}
	for _, rule := range e.rules {
		matched, err := evaluate(rule, events, parents)
		if err != nil {
			ruleErr := &core.RuleEvaluationError{RuleID: rule.ID, Err: err}
			e.logger.Error().Err(err).Str("rule", rule.ID).Msg("rule evaluation failed")
			report.Errors = append(report.Errors, ruleErr)
			continue
		}
		if len(matched) == 0 {
			continue
		}

		ids := make([]string, len(matched))
		for i, ev := range matched {
			ids[i] = ev.ID
		}
		rec := &core.Correlation{
			ScanID:      scanID,
			RuleID:      rule.ID,
			Title:       rule.Title,
			Description: rule.Description,
			Risk:        rule.Risk,
			EventIDs:    ids,
			CreatedAt:   time.Now().UTC(),
		}
		if err := e.st.UpsertCorrelation(ctx, rec); err != nil {
			return report, &core.StoreUnavailable{Op: "upsert correlation", Err: err}
		}
		report.Matched = append(report.Matched, rec)
		e.logger.Info().
			Str("rule", rule.ID).
			Str("risk", rule.Risk).
			Int("events", len(ids)).
			Msg("correlation matched")
	}
	return report, nil
}

// evaluate returns the rule's matched events in deterministic order
// (created_at, then hash), or nil when any matcher falls short of its
// min_count.
func evaluate(rule *Rule, events []*core.Event, parents map[string]string) ([]*core.Event, error) {
	byRef := make(map[string]map[string]struct{})
	var matched []*core.Event
	seen := make(map[string]struct{})

	for i, m := range rule.Matchers {
		var re *regexp.Regexp
		if m.DataRegex != "" {
			var err error
			re, err = regexp.Compile(m.DataRegex)
			if err != nil {
				return nil, fmt.Errorf("matcher %d: bad data_regex: %w", i, err)
			}
		}

		var ancestors map[string]struct{}
		if m.DescendantOf != "" {
			ancestors = byRef[m.DescendantOf]
			if ancestors == nil {
				return nil, fmt.Errorf("matcher %d: ref %q matched nothing to chain from", i, m.DescendantOf)
			}
		}

		var hits []*core.Event
		for _, ev := range events {
			if ev.Type != m.Type {
				continue
			}
			if m.Module != "" && ev.Module != m.Module {
				continue
			}
			if ev.Confidence < m.MinConfidence || ev.Risk < m.MinRisk {
				continue
			}
			if re != nil && !re.MatchString(ev.Data) {
				continue
			}
			if ancestors != nil && !hasAncestorIn(ev.ID, ancestors, parents) {
				continue
			}
			hits = append(hits, ev)
		}

		need := m.MinCount
		if need < 1 {
			need = 1
		}
		if len(hits) < need {
			return nil, nil
		}

		if m.Ref != "" {
			ids := make(map[string]struct{}, len(hits))
			for _, ev := range hits {
				ids[ev.ID] = struct{}{}
			}
			byRef[m.Ref] = ids
		}
		for _, ev := range hits {
			if _, dup := seen[ev.ID]; dup {
				continue
			}
			seen[ev.ID] = struct{}{}
			matched = append(matched, ev)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].Hash < matched[j].Hash
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return matched, nil
}

// hasAncestorIn walks the source chain from id toward the root, reporting
// whether any ancestor is in set. The hop cap guards against a corrupt
// store; a well-formed scan's chains form a finite forest.
func hasAncestorIn(id string, set map[string]struct{}, parents map[string]string) bool {
	cur := id
	for hops := 0; hops <= len(parents); hops++ {
		parent, ok := parents[cur]
		if !ok {
			return false
		}
		if _, hit := set[parent]; hit {
			return true
		}
		cur = parent
	}
	return false
}
