// Package providers implements concrete llm.Provider adapters. Each
// adapter owns its wire format; retry, breaker, and fallback policy
// live in llm.Client.
package providers

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/c360studio/agentmesh/llm"
)

const defaultHTTPTimeout = 120 * time.Second

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}

// classifyStatus maps an HTTP failure to the llm error taxonomy so the
// client retries, diverts, or gives up appropriately.
func classifyStatus(status int, body []byte) error {
	err := fmt.Errorf("status %d: %s", status, truncateBody(body))
	switch {
	case status == http.StatusTooManyRequests:
		return llm.NewRateLimitError(err)
	case status >= 500:
		return llm.NewTransientError(err)
	default:
		return llm.NewFatalError(err)
	}
}

func truncateBody(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
