// Package correlate applies declarative rules over a scan's stored events,
// surfacing composite findings as correlation records.
package correlate

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/tracelight-project/tracelight/internal/core"
)

//go:embed rules/*.yaml
var builtinFS embed.FS

//go:embed schema.json
var ruleSchema string

// Matcher selects events within a rule. All set fields must hold for an
// event to match. DescendantOf chains this matcher to an earlier one: only
// events whose source chain passes through one of that matcher's matches
// qualify.
type Matcher struct {
	Ref           string         `yaml:"ref" json:"ref,omitempty"`
	Type          core.EventType `yaml:"type" json:"type"`
	DataRegex     string         `yaml:"data_regex" json:"data_regex,omitempty"`
	Module        string         `yaml:"module" json:"module,omitempty"`
	MinConfidence int            `yaml:"min_confidence" json:"min_confidence,omitempty"`
	MinRisk       int            `yaml:"min_risk" json:"min_risk,omitempty"`
	MinCount      int            `yaml:"min_count" json:"min_count,omitempty"`
	DescendantOf  string         `yaml:"descendant_of" json:"descendant_of,omitempty"`
}

// Rule is one declarative correlation: it matches when every matcher finds
// at least its min_count of events.
type Rule struct {
	ID          string    `yaml:"id" json:"id"`
	Title       string    `yaml:"title" json:"title"`
	Description string    `yaml:"description" json:"description,omitempty"`
	Risk        string    `yaml:"risk" json:"risk"`
	Matchers    []Matcher `yaml:"matchers" json:"matchers"`
}

// ParseRule validates one YAML rule document against the rule schema and
// decodes it. Schema violations come back as a single descriptive error.
func ParseRule(data []byte) (*Rule, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing rule yaml: %w", err)
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("converting rule to json: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(ruleSchema),
		gojsonschema.NewBytesLoader(asJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("validating rule: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("rule schema violation: %s", strings.Join(msgs, "; "))
	}

	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("decoding rule: %w", err)
	}

	// Refs named by descendant_of must exist and precede their use.
	seen := map[string]bool{}
	for i, m := range rule.Matchers {
		if m.DescendantOf != "" && !seen[m.DescendantOf] {
			return nil, fmt.Errorf("rule %s: matcher %d references unknown or later ref %q", rule.ID, i, m.DescendantOf)
		}
		if m.Ref != "" {
			seen[m.Ref] = true
		}
	}
	return &rule, nil
}

// BuiltinRules returns the embedded default rule set.
func BuiltinRules() ([]*Rule, error) {
	return loadRulesFS(builtinFS, "rules")
}

// LoadDir loads every *.yaml rule file under dir.
func LoadDir(dir string) ([]*Rule, error) {
	return loadRulesFS(os.DirFS(dir), ".")
}

func loadRulesFS(fsys fs.FS, root string) ([]*Rule, error) {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return nil, fmt.Errorf("reading rules dir: %w", err)
	}
	var rules []*Rule
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading rule %s: %w", entry.Name(), err)
		}
		rule, err := ParseRule(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}
