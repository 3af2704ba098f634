package rules

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroops/neuroops-agent/internal/watcher"
)

func writeRules(t *testing.T, path, doc string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
}

func newEngine(t *testing.T, doc string) (*Engine, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.json")
	writeRules(t, path, doc)
	return NewEngine(path, 10*time.Millisecond, nil), path
}

const alertRules = `{
  "rules": [
    {
      "name": "high_confidence",
      "condition": "input.confidence > 0.8",
      "actions": [{"type": "alert", "message": "High confidence detection", "severity": "warning"}]
    }
  ]
}`

func TestEngine_AlertScenario(t *testing.T) {
	e, _ := newEngine(t, alertRules)

	actions := e.Evaluate(map[string]any{"class_name": "person", "confidence": 0.9, "timestamp": 1.0, "zone": "default"})
	require.Len(t, actions, 1)
	assert.Equal(t, ActionAlert, actions[0].Kind)
	assert.Equal(t, "High confidence detection", actions[0].Message)
	assert.Equal(t, "warning", actions[0].Severity)
	assert.Equal(t, "high_confidence", actions[0].Rule)

	assert.Empty(t, e.Evaluate(map[string]any{"class_name": "person", "confidence": 0.5}))
}

func TestEngine_RuleOrderPreserved(t *testing.T) {
	e, _ := newEngine(t, `{"rules": [
		{"name": "A", "condition": "input.confidence > 0.1", "actions": [
			{"type": "alert", "message": "a1"},
			{"type": "alert", "message": "a2"}
		]},
		{"name": "B", "condition": "input.class_name == 'person'", "actions": [
			{"type": "invoke_describer"}
		]},
		{"name": "C", "condition": "input.class_name == 'car'", "actions": [
			{"type": "alert", "message": "never"}
		]}
	]}`)

	actions := e.Evaluate(map[string]any{"class_name": "person", "confidence": 0.5})
	require.Len(t, actions, 3)
	assert.Equal(t, "a1", actions[0].Message)
	assert.Equal(t, "a2", actions[1].Message)
	assert.Equal(t, ActionInvokeDescriber, actions[2].Kind)
	assert.Equal(t, DefaultDescribePrompt, actions[2].Prompt)
	assert.Equal(t, DefaultAlertSeverity, actions[0].Severity)
}

func TestEngine_UndefinedFieldSkipsRuleOnly(t *testing.T) {
	e, _ := newEngine(t, `{"rules": [
		{"name": "speed", "condition": "input.speed > 3", "actions": [{"type": "alert", "message": "fast"}]},
		{"name": "any", "condition": "input.confidence > 0", "actions": [{"type": "alert", "message": "seen"}]}
	]}`)

	actions := e.Evaluate(map[string]any{"confidence": 0.4})
	require.Len(t, actions, 1)
	assert.Equal(t, "seen", actions[0].Message)
}

func TestEngine_LegacyActionAliases(t *testing.T) {
	e, _ := newEngine(t, `{"rules": [
		{"name": "legacy", "condition": "True", "actions": [
			{"type": "trigger_vllm", "prompt": "What is happening?"},
			{"type": "perform_action", "tool": "lockdown_facility", "params": {"zone": "B"}},
			{"type": "invoke_tool", "name": "notify_security", "message": "intruder"}
		]}
	]}`)

	actions := e.Evaluate(map[string]any{})
	require.Len(t, actions, 3)
	assert.Equal(t, ActionInvokeDescriber, actions[0].Kind)
	assert.Equal(t, "What is happening?", actions[0].Prompt)
	assert.Equal(t, ActionInvokeTool, actions[1].Kind)
	assert.Equal(t, "lockdown_facility", actions[1].Tool)
	assert.Equal(t, map[string]any{"zone": "B"}, actions[1].Params)
	assert.Equal(t, "notify_security", actions[2].Tool)
	assert.Equal(t, map[string]any{"message": "intruder"}, actions[2].Params)
}

func TestEngine_InvalidFileAtStartupIsEmpty(t *testing.T) {
	e, _ := newEngine(t, `{"rules": [{"name": "bad", "condition": "input.x >", "actions": []}]}`)
	assert.Empty(t, e.Snapshot().Rules)
	assert.Empty(t, e.Evaluate(map[string]any{"x": 1}))
}

func TestEngine_MissingFileIsEmpty(t *testing.T) {
	e := NewEngine(filepath.Join(t.TempDir(), "absent.json"), 0, nil)
	assert.Empty(t, e.Snapshot().Rules)
}

func TestEngine_ReloadFailureKeepsPrevious(t *testing.T) {
	e, path := newEngine(t, alertRules)
	before := e.Snapshot()

	writeRules(t, path, `{"rules": [ not json`)
	require.Error(t, e.Reload())
	assert.Same(t, before, e.Snapshot())

	writeRules(t, path, `{"rules": [{"name": "x", "condition": "true", "actions": [{"type": "explode"}]}]}`)
	require.Error(t, e.Reload())
	assert.Same(t, before, e.Snapshot())

	writeRules(t, path, `{"rules": []}`)
	require.NoError(t, e.Reload())
	assert.Empty(t, e.Snapshot().Rules)
	assert.Greater(t, e.Snapshot().Version, before.Version)
}

func TestEngine_YAMLRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	writeRules(t, path, `
rules:
  - name: dock
    condition: input.zone == "loading_dock" and input.confidence > 0.5
    actions:
      - type: invoke_tool
        name: trigger_alarm
        params:
          level: 2
`)
	e := NewEngine(path, 0, nil)
	actions := e.Evaluate(map[string]any{"zone": "loading_dock", "confidence": 0.7})
	require.Len(t, actions, 1)
	assert.Equal(t, "trigger_alarm", actions[0].Tool)
	assert.Equal(t, 2, actions[0].Params["level"])
}

// Every evaluation must see one complete rule set, never a mix.
func TestEngine_ConcurrentReloadIsAtomic(t *testing.T) {
	const ruleSetA = `{"rules": [
		{"name": "a1", "condition": "true", "actions": [{"type": "alert", "message": "A"}]},
		{"name": "a2", "condition": "true", "actions": [{"type": "alert", "message": "A"}]}
	]}`
	const ruleSetB = `{"rules": [
		{"name": "b1", "condition": "true", "actions": [{"type": "alert", "message": "B"}]},
		{"name": "b2", "condition": "true", "actions": [{"type": "alert", "message": "B"}]},
		{"name": "b3", "condition": "true", "actions": [{"type": "alert", "message": "B"}]}
	]}`
	snapA, err := Parse([]byte(ruleSetA), "json")
	require.NoError(t, err)
	snapB, err := Parse([]byte(ruleSetB), "json")
	require.NoError(t, err)

	e, _ := newEngine(t, ruleSetA)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				actions := e.Evaluate(map[string]any{})
				switch len(actions) {
				case 2:
					for _, a := range actions {
						if a.Message != "A" {
							t.Errorf("mixed snapshot: %+v", actions)
							return
						}
					}
				case 3:
					for _, a := range actions {
						if a.Message != "B" {
							t.Errorf("mixed snapshot: %+v", actions)
							return
						}
					}
				default:
					t.Errorf("unexpected action count %d", len(actions))
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			e.Swap(snapB)
		} else {
			e.Swap(snapA)
		}
	}
	close(stop)
	wg.Wait()
}

func TestEngine_RunReloadsAfterSettle(t *testing.T) {
	e, path := newEngine(t, alertRules)
	events := make(chan watcher.Event, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		e.Run(ctx, events)
		close(done)
	}()

	writeRules(t, path, `{"rules": []}`)
	events <- watcher.Event{Path: path, Type: watcher.EventModify}
	events <- watcher.Event{Path: path, Type: watcher.EventModify}

	require.Eventually(t, func() bool { return len(e.Snapshot().Rules) == 0 }, 2*time.Second, 5*time.Millisecond)

	close(events)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after events closed")
	}
}
