package opencode

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober checks whether an HTTP endpoint is up. Wait handlers use it for
// both the preview and the session server; production.waitReady uses it
// against the deployed container.
type Prober interface {
	Probe(ctx context.Context, url string) bool
}

// HTTPProber performs a GET with a short timeout. Any HTTP response at
// all (1xx through 5xx) counts as "up": the probe answers "is something
// listening", not "is it healthy".
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber creates a prober with the given per-request timeout
// (default 5s).
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

// Probe reports whether url answered.
func (p *HTTPProber) Probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 100 && resp.StatusCode < 600
}

// LocalURL builds the loopback URL for a host port.
func LocalURL(port int) string {
	return fmt.Sprintf("http://127.0.0.1:%d/", port)
}
