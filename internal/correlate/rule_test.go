package correlate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuiltinRulesParse(t *testing.T) {
	rules, err := BuiltinRules()
	if err != nil {
		t.Fatalf("BuiltinRules: %v", err)
	}
	if len(rules) == 0 {
		t.Fatal("no builtin rules")
	}
	ids := make(map[string]bool)
	for _, r := range rules {
		if r.ID == "" || r.Title == "" || r.Risk == "" {
			t.Errorf("incomplete rule: %+v", r)
		}
		if len(r.Matchers) == 0 {
			t.Errorf("rule %s has no matchers", r.ID)
		}
		if ids[r.ID] {
			t.Errorf("duplicate rule id %s", r.ID)
		}
		ids[r.ID] = true
	}
	if !ids["email_exposure_cluster"] || !ids["open_port_cluster"] {
		t.Errorf("expected builtin rules missing: %v", ids)
	}
	// Sorted by ID.
	for i := 1; i < len(rules); i++ {
		if rules[i].ID < rules[i-1].ID {
			t.Error("rules not sorted by id")
		}
	}
}

func TestParseRuleValid(t *testing.T) {
	rule, err := ParseRule([]byte(`
id: test_rule
title: Test
risk: LOW
matchers:
  - ref: ips
    type: IP_ADDRESS
    min_confidence: 50
  - type: TCP_PORT_OPEN
    descendant_of: ips
    min_count: 2
`))
	if err != nil {
		t.Fatalf("ParseRule: %v", err)
	}
	if rule.ID != "test_rule" || len(rule.Matchers) != 2 {
		t.Errorf("rule = %+v", rule)
	}
	if rule.Matchers[1].DescendantOf != "ips" || rule.Matchers[1].MinCount != 2 {
		t.Errorf("matcher = %+v", rule.Matchers[1])
	}
}

func TestParseRuleSchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing id", "title: T\nrisk: LOW\nmatchers:\n  - type: IP_ADDRESS\n"},
		{"missing matchers", "id: r\ntitle: T\nrisk: LOW\n"},
		{"bad risk", "id: r\ntitle: T\nrisk: SEVERE\nmatchers:\n  - type: IP_ADDRESS\n"},
		{"matcher without type", "id: r\ntitle: T\nrisk: LOW\nmatchers:\n  - module: whois\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseRule([]byte(tc.body)); err == nil {
				t.Error("invalid rule accepted")
			}
		})
	}
}

func TestParseRuleRefOrdering(t *testing.T) {
	_, err := ParseRule([]byte(`
id: bad_refs
title: T
risk: LOW
matchers:
  - type: TCP_PORT_OPEN
    descendant_of: host
  - ref: host
    type: IP_ADDRESS
`))
	if err == nil {
		t.Fatal("forward ref accepted")
	}
	if !strings.Contains(err.Error(), "host") {
		t.Errorf("error does not name the ref: %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	good := `id: custom_rule
title: Custom
risk: INFO
matchers:
  - type: EMAILADDR
`
	if err := os.WriteFile(filepath.Join(dir, "custom.yaml"), []byte(good), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "custom_rule" {
		t.Errorf("rules = %+v", rules)
	}

	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDir(dir); err == nil {
		t.Error("broken rule file accepted")
	}
}
