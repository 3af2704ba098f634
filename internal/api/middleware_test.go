package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeTokens struct {
	token string
	err   error
}

func (f fakeTokens) GetConfig(ctx context.Context, key string) (string, error) {
	if key != AuthTokenKey {
		return "", nil
	}
	return f.token, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		tokens fakeTokens
		header string
		want   int
	}{
		{"missing header", fakeTokens{token: "secret"}, "", http.StatusUnauthorized},
		{"basic scheme", fakeTokens{token: "secret"}, "Basic c2VjcmV0", http.StatusUnauthorized},
		{"wrong token", fakeTokens{token: "secret"}, "Bearer nope", http.StatusUnauthorized},
		{"store error", fakeTokens{err: errors.New("db closed")}, "Bearer secret", http.StatusInternalServerError},
		{"no stored token", fakeTokens{}, "Bearer secret", http.StatusInternalServerError},
		{"valid", fakeTokens{token: "secret"}, "Bearer secret", http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := AuthMiddleware(tt.tokens, discardLogger())(okHandler())

			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Fatalf("status code = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(RequestIDKey).(string)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if seen == "" {
		t.Fatal("request id missing from context")
	}
	if got := rr.Header().Get("X-Request-ID"); got != seen {
		t.Fatalf("X-Request-ID = %q, want %q", got, seen)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := RecoveryMiddleware(discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/videos", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
}

func TestLoggingMiddleware_KeepsStatus(t *testing.T) {
	handler := LoggingMiddleware(discardLogger())(okHandler())

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs", nil))

	if rr.Code != http.StatusTeapot {
		t.Fatalf("status code = %d, want %d", rr.Code, http.StatusTeapot)
	}
}

func TestRequestIDMiddleware_PropagatesCallerID(t *testing.T) {
	handler := RequestIDMiddleware()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "dash-42")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "dash-42" {
		t.Fatalf("X-Request-ID = %q, want dash-42", got)
	}
}
