package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CredentialResolver expands credential templates in header and query
// values at request time. Secret material exists only inside the resolved
// request; it is never stored on the tool or echoed into results.
//
// *cred.Resolver satisfies this interface.
type CredentialResolver interface {
	Expand(ctx context.Context, template string) (string, error)
}

// HTTPTool makes HTTP requests to external APIs.
//
// Configured headers and query parameters may contain credential templates
// such as "Bearer {{github.token}}"; they are expanded through the
// CredentialResolver on every call, so refreshed credentials take effect
// without re-registering the tool. Headers supplied by the LLM in the
// call input are sent verbatim and never expanded.
//
// Example usage:
//
//	tool := tool.NewHTTPTool("github_api", resolver,
//	    tool.WithBaseURL("https://api.github.com"),
//	    tool.WithHeader("Authorization", "Bearer {{github.token}}"),
//	)
//
//	result, err := tool.Call(ctx, map[string]interface{}{
//	    "path":   "/repos/owner/repo/issues",
//	    "method": "GET",
//	})
type HTTPTool struct {
	name     string
	client   *http.Client
	resolver CredentialResolver
	baseURL  string
	headers  map[string]string
	params   map[string]string
	maxBody  int64
}

// HTTPOption configures an HTTPTool.
type HTTPOption func(*HTTPTool)

// WithBaseURL sets a base URL that call-time "path" values are joined to.
// Without a base URL, calls must supply a full "url".
func WithBaseURL(base string) HTTPOption {
	return func(t *HTTPTool) { t.baseURL = strings.TrimRight(base, "/") }
}

// WithHeader adds a header sent on every request. The value may contain
// credential templates.
func WithHeader(key, value string) HTTPOption {
	return func(t *HTTPTool) { t.headers[key] = value }
}

// WithQueryParam adds a query parameter sent on every request. The value
// may contain credential templates.
func WithQueryParam(key, value string) HTTPOption {
	return func(t *HTTPTool) { t.params[key] = value }
}

// WithHTTPClient sets a custom HTTP client (e.g. for custom timeouts or
// transports). The default client has a 30 second timeout.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTool) { t.client = client }
}

// WithMaxResponseBytes caps how much of the response body is read.
// The default is 1 MiB.
func WithMaxResponseBytes(n int64) HTTPOption {
	return func(t *HTTPTool) { t.maxBody = n }
}

// NewHTTPTool creates an HTTP tool with the given name.
//
// resolver may be nil when no configured header or parameter carries a
// credential template.
func NewHTTPTool(name string, resolver CredentialResolver, opts ...HTTPOption) *HTTPTool {
	t := &HTTPTool{
		name:     name,
		client:   &http.Client{Timeout: 30 * time.Second},
		resolver: resolver,
		headers:  make(map[string]string),
		params:   make(map[string]string),
		maxBody:  1 << 20,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements the Tool interface.
func (t *HTTPTool) Name() string {
	return t.name
}

// Call implements the Tool interface.
//
// Expected input:
//   - "url" (string): full request URL, or
//   - "path" (string): path joined to the configured base URL
//   - "method" (string, optional): HTTP method, defaults to GET
//   - "headers" (map, optional): extra headers, sent verbatim
//   - "body" (string, optional): request body
//
// Returns output with "status_code" (int), "headers" (map), and "body"
// (string). Non-2xx responses are still successful results; the status
// code is data for the LLM.
func (t *HTTPTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	reqURL, err := t.requestURL(input)
	if err != nil {
		return nil, &CallError{Kind: ErrInvalidArgs, Message: err.Error()}
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	var body io.Reader
	if b, ok := input["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, &CallError{Kind: ErrInvalidArgs, Message: fmt.Sprintf("build request: %v", err)}
	}

	if err := t.applyConfiguredValues(ctx, req); err != nil {
		return nil, err
	}
	if hdrs, ok := input["headers"].(map[string]interface{}); ok {
		for k, v := range hdrs {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &CallError{Kind: ErrUnavailable, Message: fmt.Sprintf("request failed: %v", err), Retriable: true}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody))
	if err != nil {
		return nil, &CallError{Kind: ErrUnavailable, Message: fmt.Sprintf("read response: %v", err), Retriable: true}
	}

	respHeaders := make(map[string]interface{}, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	return map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}, nil
}

// requestURL derives the request URL from the call input.
func (t *HTTPTool) requestURL(input map[string]interface{}) (string, error) {
	if full, ok := input["url"].(string); ok && full != "" {
		if _, err := url.Parse(full); err != nil {
			return "", fmt.Errorf("invalid url: %v", err)
		}
		return full, nil
	}
	if path, ok := input["path"].(string); ok && path != "" {
		if t.baseURL == "" {
			return "", fmt.Errorf("tool has no base URL; call must supply a full \"url\"")
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		return t.baseURL + path, nil
	}
	return "", fmt.Errorf("input requires \"url\" or \"path\"")
}

// applyConfiguredValues expands credential templates in the configured
// headers and query parameters and applies them to the request. Expansion
// errors never include the template or any secret material beyond what the
// resolver itself reports.
func (t *HTTPTool) applyConfiguredValues(ctx context.Context, req *http.Request) error {
	for k, v := range t.headers {
		resolved, err := t.expand(ctx, v)
		if err != nil {
			return &CallError{Kind: ErrAuth, Message: fmt.Sprintf("resolve header %q: %v", k, err)}
		}
		req.Header.Set(k, resolved)
	}

	if len(t.params) > 0 {
		q := req.URL.Query()
		for k, v := range t.params {
			resolved, err := t.expand(ctx, v)
			if err != nil {
				return &CallError{Kind: ErrAuth, Message: fmt.Sprintf("resolve query param %q: %v", k, err)}
			}
			q.Set(k, resolved)
		}
		req.URL.RawQuery = q.Encode()
	}

	return nil
}

func (t *HTTPTool) expand(ctx context.Context, value string) (string, error) {
	if t.resolver == nil || !strings.Contains(value, "{{") {
		return value, nil
	}
	return t.resolver.Expand(ctx, value)
}
