// Package verify executes verification pipelines against submitted
// changesets. Distinct changesets verify independently and in
// parallel; one changeset's steps run strictly in step order, each
// against the result row snapshotted at submission time.
package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkod-io/dkod-engine/internal/bus"
	"github.com/dkod-io/dkod-engine/internal/config"
	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/secrets"
)

const (
	defaultStepTimeout = 2 * time.Minute
	defaultQueueSize   = 64

	// Parallelism across changesets. Steps within a changeset are
	// sequential regardless.
	verifyWorkers = 4
)

// Job is one changeset queued for verification, with the workspace it
// was submitted from.
type Job struct {
	Changeset *domain.Changeset
	Workspace *domain.Workspace
}

// Executor runs one kind of verification step and returns its verdict.
// The config on the passed row is already decrypted.
type Executor interface {
	Execute(ctx context.Context, job Job, step *domain.VerificationResult) (domain.ResultStatus, string, error)
}

// Registry maps step types to executors.
type Registry map[string]Executor

// Approver is told when a changeset clears its pipeline; the merge
// coordinator implements it.
type Approver interface {
	MergeApproved(ctx context.Context, changesetID uuid.UUID) error
}

// Runner drains the verification queue.
type Runner struct {
	changesets  domain.ChangesetRepository
	pipelines   domain.PipelineRepository
	workspaces  domain.WorkspaceRepository
	bus         *bus.Bus
	vault       *secrets.Vault
	registry    Registry
	approver    Approver
	queue       chan Job
	stepTimeout time.Duration
	wg          sync.WaitGroup
}

// NewRunner creates a verification runner. vault and approver may be
// nil: steps then cannot carry encrypted config, and approved
// changesets wait for an external merge trigger.
func NewRunner(
	changesets domain.ChangesetRepository,
	pipelines domain.PipelineRepository,
	workspaces domain.WorkspaceRepository,
	eventBus *bus.Bus,
	vault *secrets.Vault,
	registry Registry,
	approver Approver,
	cfg config.VerifyConfig,
) *Runner {
	stepTimeout := cfg.StepTimeout
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = defaultQueueSize
	}

	return &Runner{
		changesets:  changesets,
		pipelines:   pipelines,
		workspaces:  workspaces,
		bus:         eventBus,
		vault:       vault,
		registry:    registry,
		approver:    approver,
		queue:       make(chan Job, queueSize),
		stepTimeout: stepTimeout,
	}
}

// Enqueue hands a submitted changeset to the runner. Blocks only while
// the queue is full; a canceled context abandons the attempt and the
// changeset stays Submitted.
func (r *Runner) Enqueue(ctx context.Context, job Job) error {
	select {
	case r.queue <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("verify.Enqueue: %w", ctx.Err())
	}
}

// Start consumes the queue until ctx is canceled. Blocks; run it in a
// goroutine.
func (r *Runner) Start(ctx context.Context) {
	for range verifyWorkers {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-r.queue:
					if err := r.verify(ctx, job); err != nil {
						log.Error().
							Err(err).
							Str("changeset_id", job.Changeset.ID.String()).
							Msg("verification aborted")
					}
				}
			}
		}()
	}
	r.wg.Wait()
}

// verify drives one changeset through its pipeline. Rows already
// terminal are kept as-is, so a run aborted mid-pipeline resumes where
// it stopped instead of repeating work or flipping verdicts.
func (r *Runner) verify(ctx context.Context, job Job) error {
	cs := job.Changeset

	// Accepting Verifying as a start state lets a retry pick up a run
	// that was cut off mid-pipeline.
	err := r.changesets.UpdateStateIf(ctx, cs.ID,
		[]domain.ChangesetState{domain.ChangesetStateSubmitted, domain.ChangesetStateVerifying},
		domain.ChangesetStateVerifying)
	switch {
	case errors.Is(err, domain.ErrConflict):
		log.Warn().
			Str("changeset_id", cs.ID.String()).
			Msg("changeset already decided, skipping verification")
		return nil
	case err != nil:
		return fmt.Errorf("verify: %w", err)
	}

	r.publish(domain.EventVerifyStarted, cs, "")

	rows, err := r.pipelines.ListResults(ctx, cs.ID)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	halted := ""
	for _, row := range rows {
		if row.Status.Terminal() {
			if row.Status == domain.ResultFail && row.Required && halted == "" {
				halted = row.StepType
			}
			continue
		}

		if halted != "" {
			if err := r.pipelines.MarkDone(ctx, cs.ID, row.StepOrder, domain.ResultSkip,
				"skipped: required step "+halted+" failed", time.Now()); err != nil {
				return fmt.Errorf("verify: skip step %d: %w", row.StepOrder, err)
			}
			r.publish(domain.EventVerifyStep, cs, row.StepType+":skip")
			continue
		}

		status, output, err := r.runStep(ctx, job, row)
		if err != nil {
			// Shutdown or disconnect mid-step. The row stays
			// Pending/Running, never a verdict nobody observed, so a
			// retry resumes cleanly.
			return fmt.Errorf("verify: step %d: %w", row.StepOrder, err)
		}

		if err := r.pipelines.MarkDone(ctx, cs.ID, row.StepOrder, status, output, time.Now()); err != nil {
			return fmt.Errorf("verify: finish step %d: %w", row.StepOrder, err)
		}
		r.publish(domain.EventVerifyStep, cs, fmt.Sprintf("%s:%s", row.StepType, status))

		if status == domain.ResultFail && row.Required {
			halted = row.StepType
		}
	}

	if halted != "" {
		return r.reject(ctx, job, halted)
	}
	return r.approve(ctx, job)
}

func (r *Runner) runStep(ctx context.Context, job Job, row *domain.VerificationResult) (domain.ResultStatus, string, error) {
	cfg, err := r.vault.DecryptConfig(row.Config)
	if err != nil {
		return missedStep(row, "config: "+err.Error())
	}

	exec, ok := r.registry[row.StepType]
	if !ok {
		return missedStep(row, "no executor registered for step type "+row.StepType)
	}

	if err := r.pipelines.MarkRunning(ctx, job.Changeset.ID, row.StepOrder, time.Now()); err != nil {
		return "", "", err
	}

	deadline := r.stepTimeout
	if s := row.DeadlineSeconds(); s > 0 {
		deadline = time.Duration(s) * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	scoped := *row
	scoped.Config = cfg

	status, output, err := exec.Execute(stepCtx, job, &scoped)
	switch {
	case err == nil:
		return status, output, nil
	case ctx.Err() != nil:
		return "", "", ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return missedStep(row, fmt.Sprintf("deadline exceeded after %s", deadline))
	default:
		return domain.ResultFail, "error: " + err.Error(), nil
	}
}

// missedStep maps a step that produced no verdict (hung checker,
// unrunnable config, unknown type): required steps fail closed,
// optional steps are skipped.
func missedStep(row *domain.VerificationResult, output string) (domain.ResultStatus, string, error) {
	if row.Required {
		return domain.ResultFail, output, nil
	}
	return domain.ResultSkip, output, nil
}

func (r *Runner) reject(ctx context.Context, job Job, failedStep string) error {
	err := r.changesets.UpdateStateIf(ctx, job.Changeset.ID,
		[]domain.ChangesetState{domain.ChangesetStateVerifying}, domain.ChangesetStateRejected)
	if err != nil {
		return fmt.Errorf("verify: reject: %w", err)
	}

	// Reopen the workspace: the agent amends in place and resubmits as
	// a new changeset.
	if job.Workspace != nil {
		if err := r.workspaces.UpdateState(ctx, job.Workspace.ID, domain.WorkspaceStateActive); err != nil {
			log.Error().
				Err(err).
				Str("workspace_id", job.Workspace.ID.String()).
				Msg("failed to reopen workspace after rejection")
		}
	}

	r.publish(domain.EventChangesetRejected, job.Changeset, "required step "+failedStep+" failed")
	return nil
}

func (r *Runner) approve(ctx context.Context, job Job) error {
	err := r.changesets.UpdateStateIf(ctx, job.Changeset.ID,
		[]domain.ChangesetState{domain.ChangesetStateVerifying}, domain.ChangesetStateApproved)
	if err != nil {
		return fmt.Errorf("verify: approve: %w", err)
	}

	r.publish(domain.EventVerified, job.Changeset, "approved")

	if r.approver != nil {
		if err := r.approver.MergeApproved(ctx, job.Changeset.ID); err != nil {
			log.Error().
				Err(err).
				Str("changeset_id", job.Changeset.ID.String()).
				Msg("merge failed after approval")
		}
	}
	return nil
}

func (r *Runner) publish(eventType string, cs *domain.Changeset, details string) {
	r.bus.Publish(domain.Event{
		Type:        eventType,
		RepoID:      cs.RepoID,
		SessionID:   cs.SessionID.String(),
		ChangesetID: cs.ID.String(),
		AgentID:     cs.AgentID,
		Details:     details,
	})
}
