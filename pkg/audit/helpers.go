package audit

import (
	"strings"
)

// extractAction names the admin action from the HTTP method and path.
// Queue API paths look like:
//
//	/api/queue/v1alpha1/jobs
//	/api/queue/v1alpha1/jobs/{jobId}
//	/api/queue/v1alpha1/jobs/{jobId}:cancel
//	/api/queue/v1alpha1/settings/pause
func extractAction(method, path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")

	// :verb suffixes name the action directly.
	for _, p := range parts {
		if idx := strings.Index(p, ":"); idx > 0 {
			return p[idx+1:]
		}
	}

	for i, p := range parts {
		switch p {
		case "settings":
			if i+1 < len(parts) {
				return "set-" + parts[i+1]
			}
			return "update-settings"
		case "jobs":
			switch method {
			case "POST":
				return "enqueue"
			case "DELETE":
				if i+1 < len(parts) {
					return "delete"
				}
				return "bulk-delete"
			}
		}
	}

	switch method {
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	default:
		return strings.ToLower(method)
	}
}

// extractJobID pulls the job id path parameter, with any :verb suffix
// stripped. Empty when the path carries none.
func extractJobID(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range parts {
		if p != "jobs" {
			continue
		}
		if i+1 < len(parts) && parts[i+1] != "" {
			id := parts[i+1]
			if idx := strings.Index(id, ":"); idx > 0 {
				id = id[:idx]
			}
			return id
		}
	}
	return ""
}

// shouldAudit reports whether a request is an admin mutation worth
// recording. Browsing (GET) and health checks are not.
func shouldAudit(method, path string) bool {
	if isHealthEndpoint(path) {
		return false
	}
	switch method {
	case "POST", "PUT", "PATCH", "DELETE":
		return true
	}
	return false
}

func isHealthEndpoint(path string) bool {
	switch path {
	case "/livez", "/readyz", "/healthz":
		return true
	}
	return false
}
