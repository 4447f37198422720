package domain

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// PipelineStep is one gate in a repo's verification pipeline.
type PipelineStep struct {
	RepoID    string            `json:"repo_id"`
	StepOrder int               `json:"step_order"`
	StepType  string            `json:"step_type"` // typecheck, test, lint, build, command, agent_review, semantic, human_approve
	Config    map[string]string `json:"config,omitempty"`
	Required  bool              `json:"required"`
}

// DeadlineSeconds returns the step's configured deadline, or 0 when the
// engine default applies.
func (s *PipelineStep) DeadlineSeconds() int {
	return deadlineSeconds(s.Config)
}

func deadlineSeconds(config map[string]string) int {
	raw, ok := config["deadline_seconds"]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// DefaultPipeline is the gate sequence for repos with no configured pipeline.
func DefaultPipeline(repoID string) []*PipelineStep {
	return []*PipelineStep{
		{RepoID: repoID, StepOrder: 0, StepType: "typecheck", Required: true},
		{RepoID: repoID, StepOrder: 1, StepType: "test", Required: true},
	}
}

type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultRunning ResultStatus = "running"
	ResultPass    ResultStatus = "pass"
	ResultFail    ResultStatus = "fail"
	ResultSkip    ResultStatus = "skip"
)

// Terminal reports whether the status is final.
func (s ResultStatus) Terminal() bool {
	return s == ResultPass || s == ResultFail || s == ResultSkip
}

// VerificationResult is one step's outcome for one changeset. Rows are
// created as Pending from the pipeline snapshot taken at submission time and
// never renumbered afterwards.
type VerificationResult struct {
	ChangesetID uuid.UUID         `json:"changeset_id"`
	StepOrder   int               `json:"step_order"`
	StepType    string            `json:"step_type"`
	Config      map[string]string `json:"config,omitempty"`
	Required    bool              `json:"required"`
	Status      ResultStatus      `json:"status"`
	Output      string            `json:"output,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// DeadlineSeconds returns the row's configured deadline from the
// pipeline snapshot, or 0 when the engine default applies.
func (r *VerificationResult) DeadlineSeconds() int {
	return deadlineSeconds(r.Config)
}

type PipelineRepository interface {
	// ListSteps returns the repo's pipeline ordered by step_order.
	ListSteps(ctx context.Context, repoID string) ([]*PipelineStep, error)
	// ReplaceSteps swaps the repo's whole pipeline in one transaction.
	ReplaceSteps(ctx context.Context, repoID string, steps []*PipelineStep) error

	// InitResults snapshots steps into Pending result rows for changesetID.
	InitResults(ctx context.Context, changesetID uuid.UUID, steps []*PipelineStep) error
	ListResults(ctx context.Context, changesetID uuid.UUID) ([]*VerificationResult, error)
	// MarkRunning stamps started_at; MarkDone stamps completed_at with the
	// terminal status and output.
	MarkRunning(ctx context.Context, changesetID uuid.UUID, stepOrder int, at time.Time) error
	MarkDone(ctx context.Context, changesetID uuid.UUID, stepOrder int, status ResultStatus, output string, at time.Time) error
}
