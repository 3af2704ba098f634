// Package rules evaluates a hot-reloadable rule set against detection
// contexts. Conditions use a small expression language: literals, field
// references, comparisons, membership and boolean operators. Nothing else in
// the host is reachable from a condition.
package rules

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/neuroops/neuroops-agent/internal/logging"
	"github.com/neuroops/neuroops-agent/internal/watcher"
)

const DefaultSettleDelay = 500 * time.Millisecond

// Engine holds the current snapshot. Evaluate never blocks on a reload; a
// reload builds a new snapshot off to the side and swaps the pointer.
type Engine struct {
	path    string
	settle  time.Duration
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
	version atomic.Int64
}

// NewEngine loads the rule file at path. A file that cannot be parsed leaves
// the engine with an empty rule set.
func NewEngine(path string, settle time.Duration, logger *slog.Logger) *Engine {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	e := &Engine{
		path:   path,
		settle: settle,
		logger: logging.WithComponent(logging.OrDiscard(logger), "rules"),
	}
	empty := emptySnapshot()
	empty.Source = path
	e.current.Store(empty)
	if err := e.Reload(); err != nil {
		e.logger.Warn("starting with an empty rule set", "path", logging.SanitizePath(path))
	}
	return e
}

// Path returns the rule file path.
func (e *Engine) Path() string {
	return e.path
}

// Snapshot returns the current rule set.
func (e *Engine) Snapshot() *Snapshot {
	return e.current.Load()
}

// Swap installs a copy of s stamped with the next version.
func (e *Engine) Swap(s *Snapshot) {
	next := *s
	next.Version = e.version.Add(1)
	e.current.Store(&next)
}

// Reload re-reads the rule file. On failure the previous snapshot stays in
// place and the error is returned.
func (e *Engine) Reload() error {
	snap, err := LoadFile(e.path)
	if err != nil {
		e.logger.Warn("rule reload failed, keeping previous rules",
			"path", logging.SanitizePath(e.path),
			"error", err,
			"active_version", e.current.Load().Version,
		)
		return err
	}
	e.Swap(snap)
	e.logger.Info("rules loaded", "rules", len(snap.Rules), "version", e.current.Load().Version)
	return nil
}

// Evaluate runs every rule in order against fields and returns the actions of
// the rules that matched, in rule order. A rule whose condition fails to
// evaluate (missing field, type mismatch) is skipped.
func (e *Engine) Evaluate(fields map[string]any) []Action {
	snap := e.current.Load()
	var out []Action
	for _, r := range snap.Rules {
		ok, err := r.Condition.Eval(fields)
		if err != nil {
			e.logger.Debug("rule skipped", "rule", r.Name, "error", err)
			continue
		}
		if ok {
			out = append(out, r.Actions...)
		}
	}
	return out
}

// Run reloads the rules after change events settle. It returns when ctx is
// done or events is closed.
func (e *Engine) Run(ctx context.Context, events <-chan watcher.Event) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if fire == nil {
					return
				}
				events = nil
				continue
			}
			e.logger.Debug("rule file changed", "type", ev.Type.String())
			if timer == nil {
				timer = time.NewTimer(e.settle)
			} else {
				timer.Reset(e.settle)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			e.Reload()
			if events == nil {
				return
			}
		}
	}
}
