// Command healthcheck probes the engine's readiness endpoint and exits 0
// on a 2xx response. Meant for container HEALTHCHECK directives, where a
// full HTTP client dependency is unwelcome.
//
// Usage: healthcheck [url]
// The url defaults to $DOCE_SERVER/readyz, then http://localhost:8080/readyz.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

func targetURL() string {
	if len(os.Args) > 1 {
		return os.Args[1]
	}
	base := os.Getenv("DOCE_SERVER")
	if base == "" {
		base = "http://localhost:8080"
	}
	return strings.TrimRight(base, "/") + "/readyz"
}

func main() {
	url := targetURL()
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "healthcheck failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		os.Exit(0)
	}
	fmt.Fprintf(os.Stderr, "healthcheck failed: %s returned %d\n", url, resp.StatusCode)
	os.Exit(1)
}
