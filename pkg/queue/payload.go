package queue

import (
	"encoding/json"
	"fmt"
)

// ImageAttachment is an optional image supplied with the initial prompt.
type ImageAttachment struct {
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	DataURL  string `json:"dataUrl"`
}

// ProjectCreatePayload is the payload for project.create jobs.
type ProjectCreatePayload struct {
	ProjectID   string            `json:"projectId"`
	OwnerUserID string            `json:"ownerUserId"`
	Prompt      string            `json:"prompt"`
	Model       string            `json:"model,omitempty"`
	Images      []ImageAttachment `json:"images,omitempty"`
}

// ProjectDeletePayload is the payload for project.delete jobs.
type ProjectDeletePayload struct {
	ProjectID         string `json:"projectId"`
	RequestedByUserID string `json:"requestedByUserId"`
}

// DeleteAllForUserPayload is the payload for projects.deleteAllForUser jobs.
type DeleteAllForUserPayload struct {
	UserID string `json:"userId"`
}

// ComposeUpPayload is the payload for docker.composeUp jobs.
type ComposeUpPayload struct {
	ProjectID string `json:"projectId"`
	Reason    string `json:"reason,omitempty"`
}

// WaitReadyPayload is the payload for docker.waitReady jobs. StartedAt is
// epoch milliseconds at the start of the wait; the handler hard-fails once
// the wall-clock deadline elapses regardless of reschedule count.
type WaitReadyPayload struct {
	ProjectID       string `json:"projectId"`
	StartedAt       int64  `json:"startedAt"`
	RescheduleCount int    `json:"rescheduleCount"`
}

// EnsureRunningPayload is the payload for docker.ensureRunning jobs.
type EnsureRunningPayload struct {
	ProjectID string `json:"projectId"`
}

// DockerStopPayload is the payload for docker.stop jobs.
type DockerStopPayload struct {
	ProjectID string `json:"projectId"`
}

// SessionCreatePayload is the payload for opencode.sessionCreate jobs.
type SessionCreatePayload struct {
	ProjectID string `json:"projectId"`
}

// SendUserPromptPayload is the payload for opencode.sendUserPrompt jobs.
type SendUserPromptPayload struct {
	ProjectID string `json:"projectId"`
}

// ProductionBuildPayload is the payload for production.build jobs.
type ProductionBuildPayload struct {
	ProjectID string `json:"projectId"`
}

// ProductionStartPayload is the payload for production.start jobs.
type ProductionStartPayload struct {
	ProjectID      string `json:"projectId"`
	ProductionHash string `json:"productionHash"`
}

// ProductionWaitReadyPayload is the payload for production.waitReady jobs.
type ProductionWaitReadyPayload struct {
	ProjectID       string `json:"projectId"`
	ProductionPort  int    `json:"productionPort"`
	ProductionHash  string `json:"productionHash"`
	StartedAt       int64  `json:"startedAt"`
	RescheduleCount int    `json:"rescheduleCount"`
}

// ProductionStopPayload is the payload for production.stop jobs.
type ProductionStopPayload struct {
	ProjectID string `json:"projectId"`
}

// KnownType reports whether t belongs to the closed job type set.
func KnownType(t JobType) bool {
	switch t {
	case TypeProjectCreate, TypeProjectDelete, TypeProjectsDeleteAll,
		TypeDockerComposeUp, TypeDockerWaitReady, TypeDockerEnsureRunning,
		TypeDockerStop, TypeOpencodeSession, TypeOpencodeSendPrompt,
		TypeProductionBuild, TypeProductionStart, TypeProductionWaitReady,
		TypeProductionStop:
		return true
	}
	return false
}

// ValidatePayload parses raw against the schema for t. It is called on
// claim, before dispatch, so malformed rows never reach a handler.
func ValidatePayload(t JobType, raw string) error {
	requireProject := func(projectID string) error {
		if projectID == "" {
			return fmt.Errorf("%s payload: projectId is required", t)
		}
		return nil
	}

	switch t {
	case TypeProjectCreate:
		var p ProjectCreatePayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("%s payload: %w", t, err)
		}
		if err := requireProject(p.ProjectID); err != nil {
			return err
		}
		if p.OwnerUserID == "" {
			return fmt.Errorf("%s payload: ownerUserId is required", t)
		}
		if p.Prompt == "" {
			return fmt.Errorf("%s payload: prompt is required", t)
		}
		return nil
	case TypeProjectDelete:
		var p ProjectDeletePayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("%s payload: %w", t, err)
		}
		return requireProject(p.ProjectID)
	case TypeProjectsDeleteAll:
		var p DeleteAllForUserPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("%s payload: %w", t, err)
		}
		if p.UserID == "" {
			return fmt.Errorf("%s payload: userId is required", t)
		}
		return nil
	case TypeDockerComposeUp:
		var p ComposeUpPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("%s payload: %w", t, err)
		}
		return requireProject(p.ProjectID)
	case TypeDockerWaitReady:
		var p WaitReadyPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("%s payload: %w", t, err)
		}
		if err := requireProject(p.ProjectID); err != nil {
			return err
		}
		if p.StartedAt <= 0 {
			return fmt.Errorf("%s payload: startedAt is required", t)
		}
		return nil
	case TypeDockerEnsureRunning:
		var p EnsureRunningPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("%s payload: %w", t, err)
		}
		return requireProject(p.ProjectID)
	case TypeDockerStop:
		var p DockerStopPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("%s payload: %w", t, err)
		}
		return requireProject(p.ProjectID)
	case TypeOpencodeSession:
		var p SessionCreatePayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("%s payload: %w", t, err)
		}
		return requireProject(p.ProjectID)
	case TypeOpencodeSendPrompt:
		var p SendUserPromptPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("%s payload: %w", t, err)
		}
		return requireProject(p.ProjectID)
	case TypeProductionBuild:
		var p ProductionBuildPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("%s payload: %w", t, err)
		}
		return requireProject(p.ProjectID)
	case TypeProductionStart:
		var p ProductionStartPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("%s payload: %w", t, err)
		}
		if err := requireProject(p.ProjectID); err != nil {
			return err
		}
		if p.ProductionHash == "" {
			return fmt.Errorf("%s payload: productionHash is required", t)
		}
		return nil
	case TypeProductionWaitReady:
		var p ProductionWaitReadyPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("%s payload: %w", t, err)
		}
		if err := requireProject(p.ProjectID); err != nil {
			return err
		}
		if p.ProductionPort <= 0 {
			return fmt.Errorf("%s payload: productionPort is required", t)
		}
		return nil
	case TypeProductionStop:
		var p ProductionStopPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return fmt.Errorf("%s payload: %w", t, err)
		}
		return requireProject(p.ProjectID)
	default:
		return fmt.Errorf("unknown job type %q", t)
	}
}

// MarshalPayload serializes a payload struct to the text form stored on
// the job row.
func MarshalPayload(p any) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

func unmarshalPayload(raw string, v any) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}
