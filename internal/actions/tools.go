package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/neuroops/neuroops-agent/internal/logging"
)

// ErrUnknownTool is returned for a tool name the agent does not provide.
var ErrUnknownTool = errors.New("actions: unknown tool")

// ToolExecutor runs a named tool.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, params map[string]any) (string, error)
}

type tool struct {
	topic string
	build func(params map[string]any) (map[string]any, string)
}

// ToolAgent maps facility tools onto publisher topics.
type ToolAgent struct {
	publisher Publisher
	tools     map[string]tool
	logger    *slog.Logger
}

func NewToolAgent(publisher Publisher, logger *slog.Logger) *ToolAgent {
	return &ToolAgent{
		publisher: publisher,
		logger:    logging.WithComponent(logging.OrDiscard(logger), "tools"),
		tools: map[string]tool{
			"trigger_alarm": {
				topic: "facility/alarm",
				build: func(p map[string]any) (map[string]any, string) {
					zone := paramString(p, "zone", "all")
					return map[string]any{"status": "ON", "zone": zone}, "alarm triggered for zone " + zone
				},
			},
			"lockdown_facility": {
				topic: "facility/locks",
				build: func(p map[string]any) (map[string]any, string) {
					reason := paramString(p, "reason", "security_breach")
					return map[string]any{"command": "LOCK_ALL", "reason": reason}, "facility lockdown initiated"
				},
			},
			"notify_security": {
				topic: "security/alerts",
				build: func(p map[string]any) (map[string]any, string) {
					msg := paramString(p, "message", "Check feed")
					return map[string]any{"priority": "HIGH", "msg": msg}, "security notified"
				},
			},
		},
	}
}

// Tools lists the available tool names.
func (a *ToolAgent) Tools() []string {
	names := make([]string, 0, len(a.tools))
	for name := range a.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute publishes the tool's message and returns a short result line.
func (a *ToolAgent) Execute(ctx context.Context, name string, params map[string]any) (string, error) {
	t, ok := a.tools[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	payload, result := t.build(params)
	if err := a.publisher.Publish(ctx, t.topic, payload); err != nil {
		return "", fmt.Errorf("tool %s: %w", name, err)
	}
	a.logger.Info("tool executed", "tool", name, "topic", t.topic)
	return result, nil
}

func paramString(params map[string]any, key, def string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		if s == "" {
			return def
		}
		return s
	}
	return fmt.Sprint(v)
}
