package actions

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/neuroops/neuroops-agent/internal/catalog"
	"github.com/neuroops/neuroops-agent/internal/inference"
	"github.com/neuroops/neuroops-agent/internal/logging"
	"github.com/neuroops/neuroops-agent/internal/rules"
	"github.com/neuroops/neuroops-agent/internal/vision"
)

const (
	DefaultDescribeRate    = 0.5 // calls per second
	DefaultDescribeBurst   = 1
	DefaultDescribeTimeout = 30 * time.Second
)

// SummarySink receives describer output for persistence.
type SummarySink interface {
	AddSummary(catalog.SceneSummary)
}

// DispatcherConfig bounds describer usage. DescribeRate is in calls per
// second; zero disables the limit.
type DispatcherConfig struct {
	DescribeRate    float64
	DescribeBurst   int
	DescribeTimeout time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DescribeRate:    DefaultDescribeRate,
		DescribeBurst:   DefaultDescribeBurst,
		DescribeTimeout: DefaultDescribeTimeout,
	}
}

// DispatchStats counts handled actions.
type DispatchStats struct {
	Alerts          int64 `json:"alerts"`
	Described       int64 `json:"described"`
	DescribeSkipped int64 `json:"describe_skipped"`
	DescribeFailed  int64 `json:"describe_failed"`
	ToolsRun        int64 `json:"tools_run"`
	ToolsFailed     int64 `json:"tools_failed"`
}

// Dispatcher routes triggered rule actions to their handlers. Every handler
// failure is logged and counted; none is returned to the caller.
type Dispatcher struct {
	alerts    *AlertLog
	describer inference.Describer
	tools     ToolExecutor
	limiter   *rate.Limiter
	timeout   time.Duration
	logger    *slog.Logger

	nAlerts, nDescribed, nSkipped, nDescribeFailed atomic.Int64
	nTools, nToolsFailed                           atomic.Int64
}

// NewDispatcher builds a dispatcher. describer and tools may be nil; their
// actions are then skipped with a log line.
func NewDispatcher(alerts *AlertLog, describer inference.Describer, tools ToolExecutor, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if alerts == nil {
		alerts = NewAlertLog(0)
	}
	d := &Dispatcher{
		alerts:    alerts,
		describer: describer,
		tools:     tools,
		timeout:   cfg.DescribeTimeout,
		logger:    logging.WithComponent(logging.OrDiscard(logger), "dispatcher"),
	}
	if cfg.DescribeRate > 0 {
		burst := cfg.DescribeBurst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.DescribeRate), burst)
	}
	if d.timeout <= 0 {
		d.timeout = DefaultDescribeTimeout
	}
	return d
}

func (d *Dispatcher) Alerts() *AlertLog {
	return d.alerts
}

// Dispatch handles the actions triggered by one detection on frame.
func (d *Dispatcher) Dispatch(ctx context.Context, videoID string, frame vision.Frame, acts []rules.Action, sink SummarySink) {
	for _, a := range acts {
		switch a.Kind {
		case rules.ActionAlert:
			d.alert(videoID, frame, a)
		case rules.ActionInvokeDescriber:
			d.describe(ctx, videoID, frame, a, sink)
		case rules.ActionInvokeTool:
			d.tool(ctx, videoID, a)
		default:
			d.logger.Warn("unknown action kind", "kind", a.Kind, "rule", a.Rule)
		}
	}
}

func (d *Dispatcher) alert(videoID string, frame vision.Frame, a rules.Action) {
	d.nAlerts.Add(1)
	d.alerts.Add(Alert{
		RaisedAt:  time.Now().UTC(),
		VideoID:   videoID,
		Rule:      a.Rule,
		Severity:  a.Severity,
		Message:   a.Message,
		Frame:     frame.Index,
		Timestamp: frame.Timestamp,
	})
	d.logger.Warn("ALERT",
		"video_id", videoID,
		"rule", a.Rule,
		"severity", a.Severity,
		"message", a.Message,
		"frame", frame.Index,
		"timestamp", frame.Timestamp,
	)
}

func (d *Dispatcher) describe(ctx context.Context, videoID string, frame vision.Frame, a rules.Action, sink SummarySink) {
	if d.describer == nil {
		d.nSkipped.Add(1)
		d.logger.Debug("describer not configured, skipping", "rule", a.Rule)
		return
	}
	if d.limiter != nil && !d.limiter.Allow() {
		d.nSkipped.Add(1)
		d.logger.Debug("describer over budget, skipping", "rule", a.Rule, "frame", frame.Index)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	text, err := d.describer.Describe(callCtx, frame.Image, a.Prompt)
	if err != nil {
		d.nDescribeFailed.Add(1)
		d.logger.Warn("describer call failed", "rule", a.Rule, "frame", frame.Index, "error", err)
		return
	}
	d.nDescribed.Add(1)
	if sink != nil {
		sink.AddSummary(catalog.SceneSummary{
			VideoID:   videoID,
			Timestamp: frame.Timestamp,
			Content:   text,
			Prompt:    a.Prompt,
		})
	}
	d.logger.Info("scene described", "video_id", videoID, "rule", a.Rule, "timestamp", frame.Timestamp)
}

func (d *Dispatcher) tool(ctx context.Context, videoID string, a rules.Action) {
	if d.tools == nil {
		d.logger.Warn("no tool executor configured", "tool", a.Tool, "rule", a.Rule)
		return
	}
	result, err := d.tools.Execute(ctx, a.Tool, a.Params)
	if err != nil {
		d.nToolsFailed.Add(1)
		if errors.Is(err, ErrUnknownTool) {
			d.logger.Warn("rule requested unknown tool", "tool", a.Tool, "rule", a.Rule)
			return
		}
		d.logger.Error("tool execution failed", "tool", a.Tool, "rule", a.Rule, "error", err)
		return
	}
	d.nTools.Add(1)
	d.logger.Info("tool invoked", "video_id", videoID, "tool", a.Tool, "rule", a.Rule, "result", result)
}

func (d *Dispatcher) Stats() DispatchStats {
	return DispatchStats{
		Alerts:          d.nAlerts.Load(),
		Described:       d.nDescribed.Load(),
		DescribeSkipped: d.nSkipped.Load(),
		DescribeFailed:  d.nDescribeFailed.Load(),
		ToolsRun:        d.nTools.Load(),
		ToolsFailed:     d.nToolsFailed.Load(),
	}
}
