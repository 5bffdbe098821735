package pipeline

import (
	"fmt"
	"time"

	"github.com/pablopunk/doce.dev-sub000/pkg/queue"
)

// Dedupe keys are "{type}:{projectId}" so at most one pending job of a
// kind exists per project. The whole deploy chain shares one key:
// a second deploy request while build/start/waitReady is pending
// collapses into the pending one.
func dedupeKey(t queue.JobType, projectID string) string {
	return fmt.Sprintf("%s:%s", t, projectID)
}

const deployDedupePrefix = "production.deploy"

func enqueue(jobs *queue.JobStore, t queue.JobType, projectID string, payload any, opts ...func(*queue.Job)) (*queue.Job, error) {
	raw, err := queue.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	job := &queue.Job{
		Type:      t,
		ProjectID: projectID,
		Payload:   raw,
		DedupeKey: dedupeKey(t, projectID),
	}
	for _, opt := range opts {
		opt(job)
	}
	return jobs.Enqueue(job)
}

func withMaxAttempts(n int) func(*queue.Job) {
	return func(j *queue.Job) { j.MaxAttempts = n }
}

func withDedupeKey(key string) func(*queue.Job) {
	return func(j *queue.Job) { j.DedupeKey = key }
}

func withRunAt(t time.Time) func(*queue.Job) {
	return func(j *queue.Job) { j.RunAt = t }
}

func withPriority(p int) func(*queue.Job) {
	return func(j *queue.Job) { j.Priority = p }
}

// EnqueueProjectCreate submits the head of the create pipeline.
func EnqueueProjectCreate(jobs *queue.JobStore, p queue.ProjectCreatePayload) (*queue.Job, error) {
	return enqueue(jobs, queue.TypeProjectCreate, p.ProjectID, p)
}

// EnqueueProjectDelete submits a teardown chain for one project.
// Priority is raised so deletes jump ahead of pending work.
func EnqueueProjectDelete(jobs *queue.JobStore, p queue.ProjectDeletePayload) (*queue.Job, error) {
	return enqueue(jobs, queue.TypeProjectDelete, p.ProjectID, p, withPriority(10))
}

// EnqueueDeleteAllForUser submits the fan-out delete for every project a
// user owns. Keyed by user, not project.
func EnqueueDeleteAllForUser(jobs *queue.JobStore, p queue.DeleteAllForUserPayload) (*queue.Job, error) {
	return enqueue(jobs, queue.TypeProjectsDeleteAll, "", p,
		withDedupeKey(fmt.Sprintf("%s:%s", queue.TypeProjectsDeleteAll, p.UserID)))
}

// EnqueueComposeUp submits a dev container boot for the project.
func EnqueueComposeUp(jobs *queue.JobStore, p queue.ComposeUpPayload) (*queue.Job, error) {
	return enqueue(jobs, queue.TypeDockerComposeUp, p.ProjectID, p)
}

// EnqueueWaitReady submits a dev readiness wait. StartedAt defaults to
// now; the wait job gets the large attempt budget since every poll
// round-trips through the queue.
func EnqueueWaitReady(jobs *queue.JobStore, p queue.WaitReadyPayload) (*queue.Job, error) {
	if p.StartedAt == 0 {
		p.StartedAt = time.Now().UnixMilli()
	}
	return enqueue(jobs, queue.TypeDockerWaitReady, p.ProjectID, p,
		withMaxAttempts(queue.WaitMaxAttempts))
}

// EnqueueEnsureRunning submits an on-demand container wake-up.
func EnqueueEnsureRunning(jobs *queue.JobStore, p queue.EnsureRunningPayload) (*queue.Job, error) {
	return enqueue(jobs, queue.TypeDockerEnsureRunning, p.ProjectID, p)
}

// EnqueueDockerStop submits a dev container stop.
func EnqueueDockerStop(jobs *queue.JobStore, p queue.DockerStopPayload) (*queue.Job, error) {
	return enqueue(jobs, queue.TypeDockerStop, p.ProjectID, p)
}

// EnqueueSessionCreate submits the agent session bootstrap step.
func EnqueueSessionCreate(jobs *queue.JobStore, p queue.SessionCreatePayload) (*queue.Job, error) {
	return enqueue(jobs, queue.TypeOpencodeSession, p.ProjectID, p)
}

// EnqueueSendUserPrompt submits the initial prompt delivery step.
func EnqueueSendUserPrompt(jobs *queue.JobStore, p queue.SendUserPromptPayload) (*queue.Job, error) {
	return enqueue(jobs, queue.TypeOpencodeSendPrompt, p.ProjectID, p)
}

// EnqueueProductionBuild submits a deploy. The dedupe key covers the
// whole build/start/waitReady chain.
func EnqueueProductionBuild(jobs *queue.JobStore, p queue.ProductionBuildPayload) (*queue.Job, error) {
	return enqueue(jobs, queue.TypeProductionBuild, p.ProjectID, p,
		withDedupeKey(fmt.Sprintf("%s:%s", deployDedupePrefix, p.ProjectID)))
}

// EnqueueProductionStart submits the container start for a built image.
func EnqueueProductionStart(jobs *queue.JobStore, p queue.ProductionStartPayload) (*queue.Job, error) {
	return enqueue(jobs, queue.TypeProductionStart, p.ProjectID, p)
}

// EnqueueProductionWaitReady submits a production readiness wait.
func EnqueueProductionWaitReady(jobs *queue.JobStore, p queue.ProductionWaitReadyPayload) (*queue.Job, error) {
	if p.StartedAt == 0 {
		p.StartedAt = time.Now().UnixMilli()
	}
	return enqueue(jobs, queue.TypeProductionWaitReady, p.ProjectID, p,
		withMaxAttempts(queue.WaitMaxAttempts))
}

// EnqueueProductionStop submits a production container stop.
func EnqueueProductionStop(jobs *queue.JobStore, p queue.ProductionStopPayload) (*queue.Job, error) {
	return enqueue(jobs, queue.TypeProductionStop, p.ProjectID, p)
}
