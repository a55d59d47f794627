package tool

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxHTTPResponseSize caps response bodies read into memory.
const maxHTTPResponseSize = 10 * 1024 * 1024 // 10MB

// HTTPToolConfig restricts where the HTTP tool may reach.
type HTTPToolConfig struct {
	// AllowedDomains nil means all domains allowed.
	AllowedDomains []string

	// BlockedDomains always refused, checked before the allow list.
	BlockedDomains []string

	// Timeout is the default request timeout.
	Timeout time.Duration
}

// DefaultHTTPToolConfig blocks loopback and metadata endpoints.
func DefaultHTTPToolConfig() HTTPToolConfig {
	return HTTPToolConfig{
		BlockedDomains: []string{"localhost", "127.0.0.1", "0.0.0.0", "169.254.169.254"},
		Timeout:        30 * time.Second,
	}
}

// HTTPTool performs HTTP requests on behalf of an agent.
type HTTPTool struct {
	config HTTPToolConfig
	client *http.Client
}

// NewHTTPTool creates the http_request tool.
func NewHTTPTool(config HTTPToolConfig) *HTTPTool {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &HTTPTool{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Name implements Tool.
func (t *HTTPTool) Name() string { return "http_request" }

// Description implements Tool.
func (t *HTTPTool) Description() string {
	return "Make HTTP requests to external APIs and web services. " +
		"Supports GET, POST, PUT, PATCH, DELETE, HEAD with headers, query " +
		"parameters, a request body, and bearer/basic/api_key authentication."
}

// Schema implements Tool.
func (t *HTTPTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"method": map[string]any{
				"type": "string",
				"enum": []any{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
			},
			"url": map[string]any{
				"type":        "string",
				"description": "Full URL to request",
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"params": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body": map[string]any{
				"description": "Request body (string or JSON object)",
			},
			"auth_type": map[string]any{
				"type": "string",
				"enum": []any{"none", "basic", "bearer", "api_key"},
			},
			"auth_value": map[string]any{
				"type":        "string",
				"description": "Token for bearer, api key value, or 'username:password' for basic",
			},
			"api_key_header": map[string]any{
				"type":        "string",
				"description": "Header name for API key auth (default X-API-Key)",
			},
		},
		"required": []any{"method", "url"},
	}
}

// Execute implements Tool.
func (t *HTTPTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	method, _ := args["method"].(string)
	rawURL, _ := args["url"].(string)

	if err := t.checkDomain(rawURL); err != nil {
		return map[string]any{"error": err.Error()}, nil
	}

	var bodyReader io.Reader
	contentType := ""
	switch body := args["body"].(type) {
	case nil:
	case string:
		bodyReader = strings.NewReader(body)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, NewInvalidArgumentsError(fmt.Errorf("encode body: %w", err))
		}
		bodyReader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, NewInvalidArgumentsError(fmt.Errorf("build request: %w", err))
	}

	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	if params, ok := args["params"].(map[string]any); ok {
		q := req.URL.Query()
		for k, v := range params {
			if s, ok := v.(string); ok {
				q.Set(k, s)
			}
		}
		req.URL.RawQuery = q.Encode()
	}

	t.applyAuth(req, args)

	resp, err := t.client.Do(req)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("request failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseSize+1))
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("read response: %v", err), "status_code": resp.StatusCode}, nil
	}
	if len(raw) > maxHTTPResponseSize {
		return map[string]any{
			"error":       fmt.Sprintf("response exceeds %d bytes", maxHTTPResponseSize),
			"status_code": resp.StatusCode,
		}, nil
	}

	var body any = string(raw)
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err == nil {
			body = parsed
		}
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
		"is_success":  resp.StatusCode >= 200 && resp.StatusCode < 300,
	}, nil
}

func (t *HTTPTool) checkDomain(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return fmt.Errorf("invalid URL %q", rawURL)
	}
	host := parsed.Hostname()

	for _, blocked := range t.config.BlockedDomains {
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return fmt.Errorf("domain %q is blocked", host)
		}
	}
	if t.config.AllowedDomains != nil {
		for _, allowed := range t.config.AllowedDomains {
			if host == allowed || strings.HasSuffix(host, "."+allowed) {
				return nil
			}
		}
		return fmt.Errorf("domain %q is not in the allowed list", host)
	}
	return nil
}

func (t *HTTPTool) applyAuth(req *http.Request, args map[string]any) {
	authType, _ := args["auth_type"].(string)
	authValue, _ := args["auth_value"].(string)
	if authType == "" || authType == "none" || authValue == "" {
		return
	}
	switch authType {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+authValue)
	case "basic":
		encoded := base64.StdEncoding.EncodeToString([]byte(authValue))
		req.Header.Set("Authorization", "Basic "+encoded)
	case "api_key":
		header, _ := args["api_key_header"].(string)
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, authValue)
	}
}
