package queue

import (
	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the queue admin API, mounted by the
// server under /api/queue/v1alpha1.
func Router(store *JobStore) chi.Router {
	r := chi.NewRouter()

	r.Get("/jobs", ListJobsHandler(store))
	r.Post("/jobs", EnqueueJobHandler(store))
	r.Delete("/jobs", DeleteJobsByStateHandler(store))
	r.Get("/jobs/{jobId}", GetJobHandler(store))
	r.Delete("/jobs/{jobId}", DeleteJobHandler(store))
	r.Post("/jobs/{jobId}:cancel", CancelJobHandler(store))
	r.Post("/jobs/{jobId}:retry", RetryJobHandler(store))
	r.Post("/jobs/{jobId}:run-now", RunNowJobHandler(store))
	r.Post("/jobs/{jobId}:force-unlock", ForceUnlockJobHandler(store))
	r.Get("/stats", StatsHandler(store))
	r.Get("/settings", GetSettingsHandler(store))
	r.Post("/settings/pause", SetPausedHandler(store))
	r.Post("/settings/concurrency", SetConcurrencyHandler(store))

	return r
}
