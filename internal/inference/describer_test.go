package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestHTTPDescriber_Describe(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"  A forklift crosses the dock.  "}}]}`))
	}))
	defer srv.Close()

	d := NewHTTPDescriber(srv.URL+"/v1/", "sk-test", "llava", nil)
	text, err := d.Describe(context.Background(), testImage(), "What is happening?")
	if err != nil {
		t.Fatalf("Describe() error = %v", err)
	}
	if text != "A forklift crosses the dock." {
		t.Errorf("Describe() = %q", text)
	}

	if got.Model != "llava" || got.MaxTokens != 300 {
		t.Errorf("request model/max_tokens = %q/%d", got.Model, got.MaxTokens)
	}
	if len(got.Messages) != 1 || len(got.Messages[0].Content) != 2 {
		t.Fatalf("unexpected message layout: %+v", got.Messages)
	}
	parts := got.Messages[0].Content
	if parts[0].Type != "text" || parts[0].Text != "What is happening?" {
		t.Errorf("text part = %+v", parts[0])
	}
	if parts[1].Type != "image_url" || parts[1].ImageURL == nil ||
		!strings.HasPrefix(parts[1].ImageURL.URL, "data:image/jpeg;base64,") {
		t.Errorf("image part = %+v", parts[1])
	}
}

func TestHTTPDescriber_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewHTTPDescriber(srv.URL, "", "llava", nil)
	_, err := d.Describe(context.Background(), testImage(), "x")

	var de *DescriberError
	if !errors.As(err, &de) {
		t.Fatalf("Describe() error = %v, want *DescriberError", err)
	}
	if de.StatusCode != http.StatusServiceUnavailable || !de.IsRetryable() {
		t.Errorf("DescriberError = %+v", de)
	}
}

func TestHTTPDescriber_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	d := NewHTTPDescriber(srv.URL, "", "llava", nil)
	if _, err := d.Describe(context.Background(), testImage(), "x"); err == nil {
		t.Fatal("Describe() expected error for empty choices")
	}
}

type fakeProber struct {
	calls atomic.Int32
	err   error
}

func (f *fakeProber) Doctor(ctx context.Context) (*Capabilities, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &Capabilities{Models: ModelsInfo{Detector: "yolo", Embedder: "clip", OCR: "easyocr"}}, nil
}

func TestCachedDoctor_CachesWithinTTL(t *testing.T) {
	p := &fakeProber{}
	d := NewCachedDoctor(p, time.Hour, nil)

	for i := 0; i < 3; i++ {
		caps, err := d.Get(context.Background())
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if !caps.Ready() || !caps.HasOCR() {
			t.Errorf("Get() = %+v", caps.Models)
		}
	}
	if n := p.calls.Load(); n != 1 {
		t.Errorf("probe calls = %d, want 1", n)
	}

	d.Invalidate()
	if d.Peek() != nil {
		t.Error("Peek() after Invalidate should be nil")
	}
	d.Get(context.Background())
	if n := p.calls.Load(); n != 2 {
		t.Errorf("probe calls after Invalidate = %d, want 2", n)
	}
}

func TestCachedDoctor_StaleOnFailure(t *testing.T) {
	p := &fakeProber{}
	d := NewCachedDoctor(p, time.Hour, nil)
	first, err := d.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	p.err = errors.New("worker down")
	got, err := d.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() with stale cache error = %v", err)
	}
	if got != first {
		t.Error("Refresh() should return the stale capabilities")
	}

	d.Invalidate()
	if _, err := d.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh() without cache expected error")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestModels_CloseReverseOrder(t *testing.T) {
	var order []string
	m := &Models{}
	m.Own(closerFunc(func() error { order = append(order, "worker"); return nil }))
	m.Own(closerFunc(func() error { order = append(order, "describer"); return errors.New("boom") }))

	err := m.Close()
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Close() error = %v, want boom", err)
	}
	if strings.Join(order, ",") != "describer,worker" {
		t.Errorf("close order = %v", order)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
