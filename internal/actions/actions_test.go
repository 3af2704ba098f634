package actions

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"

	"github.com/neuroops/neuroops-agent/internal/catalog"
	"github.com/neuroops/neuroops-agent/internal/rules"
	"github.com/neuroops/neuroops-agent/internal/vision"
)

type published struct {
	topic   string
	payload map[string]any
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, topic string, payload any) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, payload: payload.(map[string]any)})
	return nil
}

func (f *fakePublisher) Close() error { return nil }

type fakeDescriber struct {
	calls   int
	prompts []string
	err     error
}

func (f *fakeDescriber) Describe(_ context.Context, _ image.Image, prompt string) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return "a person near the gate", nil
}

type summaryRecorder struct {
	got []catalog.SceneSummary
}

func (r *summaryRecorder) AddSummary(s catalog.SceneSummary) {
	r.got = append(r.got, s)
}

func testFrame() vision.Frame {
	return vision.Frame{Index: 30, Timestamp: 1.2, Image: image.NewRGBA(image.Rect(0, 0, 8, 8))}
}

func TestToolAgent_Topics(t *testing.T) {
	tests := []struct {
		tool      string
		params    map[string]any
		wantTopic string
		wantKey   string
		wantValue any
	}{
		{"trigger_alarm", map[string]any{"zone": "dock"}, "facility/alarm", "zone", "dock"},
		{"trigger_alarm", nil, "facility/alarm", "zone", "all"},
		{"lockdown_facility", nil, "facility/locks", "command", "LOCK_ALL"},
		{"lockdown_facility", map[string]any{"reason": "drill"}, "facility/locks", "reason", "drill"},
		{"notify_security", nil, "security/alerts", "msg", "Check feed"},
		{"notify_security", map[string]any{"message": "intruder"}, "security/alerts", "priority", "HIGH"},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			pub := &fakePublisher{}
			agent := NewToolAgent(pub, nil)

			result, err := agent.Execute(context.Background(), tt.tool, tt.params)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if result == "" {
				t.Error("Execute() returned empty result")
			}
			if len(pub.msgs) != 1 {
				t.Fatalf("published %d messages, want 1", len(pub.msgs))
			}
			msg := pub.msgs[0]
			if msg.topic != tt.wantTopic {
				t.Errorf("topic = %q, want %q", msg.topic, tt.wantTopic)
			}
			if msg.payload[tt.wantKey] != tt.wantValue {
				t.Errorf("payload[%q] = %v, want %v", tt.wantKey, msg.payload[tt.wantKey], tt.wantValue)
			}
		})
	}
}

func TestToolAgent_UnknownTool(t *testing.T) {
	pub := &fakePublisher{}
	agent := NewToolAgent(pub, nil)

	_, err := agent.Execute(context.Background(), "open_pod_bay_doors", nil)
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("Execute() error = %v, want ErrUnknownTool", err)
	}
	if len(pub.msgs) != 0 {
		t.Errorf("published %d messages for unknown tool", len(pub.msgs))
	}
}

func TestToolAgent_Tools(t *testing.T) {
	agent := NewToolAgent(&fakePublisher{}, nil)
	got := agent.Tools()
	want := []string{"lockdown_facility", "notify_security", "trigger_alarm"}
	if len(got) != len(want) {
		t.Fatalf("Tools() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Tools()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMQTTPublisher_NotConnected(t *testing.T) {
	p := NewMQTTPublisher("localhost:1883", "test", nil)
	if p.broker != "tcp://localhost:1883" {
		t.Errorf("broker = %q, want scheme added", p.broker)
	}
	if err := p.Publish(context.Background(), "facility/alarm", map[string]any{}); err == nil {
		t.Fatal("Publish() without connection should fail")
	}
	if got := p.Stats().Errors; got != 1 {
		t.Errorf("Stats().Errors = %d, want 1", got)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestAlertLog_Ring(t *testing.T) {
	log := NewAlertLog(3)
	if got := log.Recent(10); len(got) != 0 {
		t.Fatalf("Recent() on empty log = %d alerts", len(got))
	}

	for i := 0; i < 5; i++ {
		log.Add(Alert{Frame: i})
	}
	got := log.Recent(0)
	if len(got) != 3 {
		t.Fatalf("Recent(0) = %d alerts, want 3", len(got))
	}
	for i, want := range []int{4, 3, 2} {
		if got[i].Frame != want {
			t.Errorf("Recent(0)[%d].Frame = %d, want %d", i, got[i].Frame, want)
		}
	}
	if got := log.Recent(2); len(got) != 2 || got[0].Frame != 4 {
		t.Errorf("Recent(2) = %+v", got)
	}
	if log.Total() != 5 {
		t.Errorf("Total() = %d, want 5", log.Total())
	}
}

func TestDispatcher_Alert(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, DispatcherConfig{}, nil)
	acts := []rules.Action{{Kind: rules.ActionAlert, Rule: "High Confidence", Message: "High Confidence Object", Severity: "warning"}}

	d.Dispatch(context.Background(), "v1", testFrame(), acts, nil)

	got := d.Alerts().Recent(1)
	if len(got) != 1 {
		t.Fatalf("Recent() = %d alerts, want 1", len(got))
	}
	a := got[0]
	if a.VideoID != "v1" || a.Rule != "High Confidence" || a.Severity != "warning" || a.Frame != 30 {
		t.Errorf("alert = %+v", a)
	}
	if d.Stats().Alerts != 1 {
		t.Errorf("Stats().Alerts = %d, want 1", d.Stats().Alerts)
	}
}

func TestDispatcher_DescriberPersistsSummary(t *testing.T) {
	desc := &fakeDescriber{}
	d := NewDispatcher(nil, desc, nil, DispatcherConfig{}, nil)
	sink := &summaryRecorder{}
	acts := []rules.Action{{Kind: rules.ActionInvokeDescriber, Rule: "r", Prompt: "What is happening?"}}

	d.Dispatch(context.Background(), "v1", testFrame(), acts, sink)

	if len(sink.got) != 1 {
		t.Fatalf("summaries = %d, want 1", len(sink.got))
	}
	s := sink.got[0]
	if s.VideoID != "v1" || s.Timestamp != 1.2 || s.Prompt != "What is happening?" || s.Content != "a person near the gate" {
		t.Errorf("summary = %+v", s)
	}
}

func TestDispatcher_DescriberRateLimited(t *testing.T) {
	desc := &fakeDescriber{}
	d := NewDispatcher(nil, desc, nil, DispatcherConfig{DescribeRate: 1.0 / 3600, DescribeBurst: 1}, nil)
	sink := &summaryRecorder{}
	acts := []rules.Action{{Kind: rules.ActionInvokeDescriber, Prompt: "p"}}

	for i := 0; i < 3; i++ {
		d.Dispatch(context.Background(), "v1", testFrame(), acts, sink)
	}

	if desc.calls != 1 {
		t.Errorf("describer calls = %d, want 1", desc.calls)
	}
	if got := d.Stats().DescribeSkipped; got != 2 {
		t.Errorf("Stats().DescribeSkipped = %d, want 2", got)
	}
}

func TestDispatcher_DescriberFailureIsNotFatal(t *testing.T) {
	desc := &fakeDescriber{err: errors.New("503")}
	d := NewDispatcher(nil, desc, nil, DispatcherConfig{}, nil)
	sink := &summaryRecorder{}
	acts := []rules.Action{
		{Kind: rules.ActionInvokeDescriber, Prompt: "p"},
		{Kind: rules.ActionAlert, Message: "still raised"},
	}

	d.Dispatch(context.Background(), "v1", testFrame(), acts, sink)

	if len(sink.got) != 0 {
		t.Errorf("summaries = %d, want 0", len(sink.got))
	}
	if d.Stats().DescribeFailed != 1 || d.Stats().Alerts != 1 {
		t.Errorf("Stats() = %+v", d.Stats())
	}
}

func TestDispatcher_Tools(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(nil, nil, NewToolAgent(pub, nil), DispatcherConfig{}, nil)
	acts := []rules.Action{
		{Kind: rules.ActionInvokeTool, Tool: "trigger_alarm", Params: map[string]any{"zone": "A"}},
		{Kind: rules.ActionInvokeTool, Tool: "self_destruct"},
		{Kind: rules.ActionInvokeTool, Tool: "notify_security"},
	}

	d.Dispatch(context.Background(), "v1", testFrame(), acts, nil)

	if len(pub.msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(pub.msgs))
	}
	st := d.Stats()
	if st.ToolsRun != 2 || st.ToolsFailed != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}
