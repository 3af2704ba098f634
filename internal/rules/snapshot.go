package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Rule is one parsed rule.
type Rule struct {
	Name      string
	Condition *Expression
	Actions   []Action
}

// Snapshot is an immutable, fully parsed rule set. Engines swap whole
// snapshots; a Snapshot is never modified after construction.
type Snapshot struct {
	Rules    []Rule
	Version  int64
	Source   string
	LoadedAt time.Time
}

func emptySnapshot() *Snapshot {
	return &Snapshot{LoadedAt: time.Now()}
}

// document is the on-disk rule file layout, in JSON or YAML.
type document struct {
	Rules []struct {
		Name      string           `json:"name" yaml:"name"`
		Condition *string          `json:"condition" yaml:"condition"`
		Actions   []map[string]any `json:"actions" yaml:"actions"`
	} `json:"rules" yaml:"rules"`
}

// Parse builds a snapshot from a rule document. Any malformed rule fails the
// whole document.
func Parse(data []byte, format string) (*Snapshot, error) {
	var doc document
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode rules: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode rules: %w", err)
		}
	}

	snap := &Snapshot{Rules: make([]Rule, 0, len(doc.Rules)), LoadedAt: time.Now()}
	for i, r := range doc.Rules {
		name := r.Name
		if name == "" {
			name = fmt.Sprintf("rule_%d", i+1)
		}

		// A rule without a condition never matches.
		cond := "false"
		if r.Condition != nil {
			cond = *r.Condition
		}
		expr, err := Compile(cond)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", name, err)
		}

		actions := make([]Action, 0, len(r.Actions))
		for j, raw := range r.Actions {
			a, err := parseAction(name, normalizeYAML(raw))
			if err != nil {
				return nil, fmt.Errorf("rule %q action %d: %w", name, j+1, err)
			}
			actions = append(actions, a)
		}
		snap.Rules = append(snap.Rules, Rule{Name: name, Condition: expr, Actions: actions})
	}
	return snap, nil
}

// LoadFile parses the rule file at path. A missing file yields an empty
// snapshot.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		snap := emptySnapshot()
		snap.Source = path
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	snap, err := Parse(data, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, err
	}
	snap.Source = path
	return snap, nil
}

// normalizeYAML converts map[interface{}]interface{} values that YAML
// decoding may produce into map[string]any.
func normalizeYAML(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeYAML(t)
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAMLValue(val)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeYAMLValue(item)
		}
		return out
	}
	return v
}
