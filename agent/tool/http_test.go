package tool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type staticResolver struct {
	values map[string]string
	err    error
}

func (r *staticResolver) Expand(_ context.Context, template string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	out := template
	for k, v := range r.values {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out, nil
}

func TestHTTPToolCall(t *testing.T) {
	ctx := context.Background()

	t.Run("GET with resolved auth header", func(t *testing.T) {
		var gotAuth string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer server.Close()

		resolver := &staticResolver{values: map[string]string{"github.token": "tok-123"}}
		tool := NewHTTPTool("api", resolver,
			WithBaseURL(server.URL),
			WithHeader("Authorization", "Bearer {{github.token}}"),
		)

		out, err := tool.Call(ctx, map[string]interface{}{"path": "/repos"})
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if gotAuth != "Bearer tok-123" {
			t.Errorf("Authorization = %q, want resolved bearer token", gotAuth)
		}
		if out["status_code"] != http.StatusOK {
			t.Errorf("status_code = %v, want 200", out["status_code"])
		}
		if body, _ := out["body"].(string); !strings.Contains(body, "ok") {
			t.Errorf("body = %q, want response body", body)
		}
	})

	t.Run("resolver failure is an auth error without the template", func(t *testing.T) {
		resolver := &staticResolver{err: errors.New("credential not found: github")}
		tool := NewHTTPTool("api", resolver,
			WithBaseURL("http://localhost:0"),
			WithHeader("Authorization", "Bearer {{github.token}}"),
		)

		_, err := tool.Call(ctx, map[string]interface{}{"path": "/repos"})
		var callErr *CallError
		if !errors.As(err, &callErr) {
			t.Fatalf("Call() error = %v, want *CallError", err)
		}
		if callErr.Kind != ErrAuth {
			t.Errorf("Kind = %q, want %q", callErr.Kind, ErrAuth)
		}
		if strings.Contains(callErr.Message, "tok-") || strings.Contains(callErr.Message, "{{") {
			t.Errorf("error message leaks template or secret: %q", callErr.Message)
		}
	})

	t.Run("POST with body and query params", func(t *testing.T) {
		var gotMethod, gotBody, gotKey string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			buf := make([]byte, r.ContentLength)
			_, _ = r.Body.Read(buf)
			gotBody = string(buf)
			gotKey = r.URL.Query().Get("api_key")
			w.WriteHeader(http.StatusCreated)
		}))
		defer server.Close()

		resolver := &staticResolver{values: map[string]string{"svc.key": "k-9"}}
		tool := NewHTTPTool("api", resolver,
			WithBaseURL(server.URL),
			WithQueryParam("api_key", "{{svc.key}}"),
		)

		out, err := tool.Call(ctx, map[string]interface{}{
			"path":   "/items",
			"method": "post",
			"body":   `{"name":"x"}`,
		})
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if gotMethod != http.MethodPost {
			t.Errorf("method = %q, want POST", gotMethod)
		}
		if gotBody != `{"name":"x"}` {
			t.Errorf("body = %q", gotBody)
		}
		if gotKey != "k-9" {
			t.Errorf("api_key param = %q, want resolved value", gotKey)
		}
		if out["status_code"] != http.StatusCreated {
			t.Errorf("status_code = %v, want 201", out["status_code"])
		}
	})

	t.Run("non-2xx is still a successful result", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "not found", http.StatusNotFound)
		}))
		defer server.Close()

		tool := NewHTTPTool("api", nil, WithBaseURL(server.URL))
		out, err := tool.Call(ctx, map[string]interface{}{"path": "/missing"})
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if out["status_code"] != http.StatusNotFound {
			t.Errorf("status_code = %v, want 404", out["status_code"])
		}
	})

	t.Run("missing url and path is invalid_args", func(t *testing.T) {
		tool := NewHTTPTool("api", nil)
		_, err := tool.Call(ctx, map[string]interface{}{})
		var callErr *CallError
		if !errors.As(err, &callErr) || callErr.Kind != ErrInvalidArgs {
			t.Errorf("Call() error = %v, want invalid_args CallError", err)
		}
	})

	t.Run("connection failure is retriable unavailable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close() // immediately closed: connection refused

		tool := NewHTTPTool("api", nil, WithBaseURL(server.URL))
		_, err := tool.Call(ctx, map[string]interface{}{"path": "/x"})
		var callErr *CallError
		if !errors.As(err, &callErr) {
			t.Fatalf("Call() error = %v, want *CallError", err)
		}
		if callErr.Kind != ErrUnavailable || !callErr.Retriable {
			t.Errorf("CallError = %+v, want retriable unavailable", callErr)
		}
	})
}
