package rules

import (
	"fmt"
	"strings"
)

type ActionKind string

const (
	ActionAlert           ActionKind = "alert"
	ActionInvokeDescriber ActionKind = "invoke_describer"
	ActionInvokeTool      ActionKind = "invoke_tool"
)

// Older rule files used these names.
const (
	legacyDescriber = "trigger_vllm"
	legacyTool      = "perform_action"
)

const (
	DefaultAlertMessage   = "Alert"
	DefaultAlertSeverity  = "info"
	DefaultDescribePrompt = "Describe this."
)

// Action is one triggered action. Only the fields of its Kind are set.
type Action struct {
	Kind ActionKind `json:"type"`
	Rule string     `json:"rule"`

	Message  string `json:"message,omitempty"`
	Severity string `json:"severity,omitempty"`

	Prompt string `json:"prompt,omitempty"`

	Tool   string         `json:"tool,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// parseAction builds an Action from its document form, applying defaults and
// legacy aliases.
func parseAction(rule string, raw map[string]any) (Action, error) {
	typ, _ := raw["type"].(string)
	a := Action{Rule: rule}

	switch strings.TrimSpace(typ) {
	case string(ActionAlert):
		a.Kind = ActionAlert
		a.Message = stringOr(raw["message"], DefaultAlertMessage)
		a.Severity = stringOr(raw["severity"], DefaultAlertSeverity)
	case string(ActionInvokeDescriber), legacyDescriber:
		a.Kind = ActionInvokeDescriber
		a.Prompt = stringOr(raw["prompt"], DefaultDescribePrompt)
	case string(ActionInvokeTool), legacyTool:
		a.Kind = ActionInvokeTool
		a.Tool = stringOr(raw["name"], "")
		if a.Tool == "" {
			a.Tool = stringOr(raw["tool"], "")
		}
		if a.Tool == "" {
			return Action{}, fmt.Errorf("action %q: tool name is required", typ)
		}
		a.Params = toolParams(raw)
	case "":
		return Action{}, fmt.Errorf("action type is required")
	default:
		return Action{}, fmt.Errorf("unknown action type %q", typ)
	}
	return a, nil
}

// toolParams returns the "params" mapping, or every key other than the
// action's own when the document inlines them.
func toolParams(raw map[string]any) map[string]any {
	if p, ok := raw["params"].(map[string]any); ok {
		return p
	}
	params := make(map[string]any)
	for k, v := range raw {
		switch k {
		case "type", "name", "tool", "params":
			continue
		}
		params[k] = v
	}
	return params
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}
