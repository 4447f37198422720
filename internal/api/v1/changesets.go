package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkod-io/dkod-engine/internal/auth"
	"github.com/dkod-io/dkod-engine/internal/bus"
	"github.com/dkod-io/dkod-engine/internal/changeset"
	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/merge"
	"github.com/dkod-io/dkod-engine/internal/server/middleware"
	"github.com/dkod-io/dkod-engine/internal/verify"
)

// defaultVerifyWait bounds the verify long-poll when the client does not
// ask for a budget. It must stay under the server write timeout.
const defaultVerifyWait = 20 * time.Second

// ChangesetView is the wire shape of a changeset.
type ChangesetView struct {
	ID            uuid.UUID  `json:"id"`
	RepoID        string     `json:"repo_id"`
	SessionID     uuid.UUID  `json:"session_id"`
	AgentID       string     `json:"agent_id"`
	Intent        string     `json:"intent"`
	State         string     `json:"state"`
	BaseVersion   string     `json:"base_version"`
	MergedVersion *string    `json:"merged_version,omitempty"`
	MergedAt      *time.Time `json:"merged_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func newChangesetView(cs *domain.Changeset) ChangesetView {
	return ChangesetView{
		ID:            cs.ID,
		RepoID:        cs.RepoID,
		SessionID:     cs.SessionID,
		AgentID:       cs.AgentID,
		Intent:        cs.Intent,
		State:         string(cs.State),
		BaseVersion:   cs.BaseVersion,
		MergedVersion: cs.MergedVersion,
		MergedAt:      cs.MergedAt,
		CreatedAt:     cs.CreatedAt,
		UpdatedAt:     cs.UpdatedAt,
	}
}

type SubmitChangesInput struct {
	SessionID uuid.UUID `path:"id" doc:"Session ID"`
	Body      struct {
		Changes []domain.Change `json:"changes" doc:"Symbol-level edits to submit as one changeset"`
	}
}

type SubmitResultOutput struct {
	Body *changeset.Result
}

type GetChangesetInput struct {
	ID uuid.UUID `path:"id" doc:"Changeset ID"`
}

type ChangesetStatusOutput struct {
	Body struct {
		Changeset ChangesetView                `json:"changeset"`
		Results   []*domain.VerificationResult `json:"results,omitempty"`
	}
}

type VerifyChangesetInput struct {
	ID          uuid.UUID `path:"id" doc:"Changeset ID"`
	WaitSeconds int       `query:"wait_seconds" minimum:"0" maximum:"60" doc:"Long-poll budget in seconds; 0 uses the default"`
}

type MergeChangesetInput struct {
	ID uuid.UUID `path:"id" doc:"Changeset ID"`
}

type MergeChangesetOutput struct {
	Body ChangesetView
}

// requireChangesetOwner rejects requests acting on a changeset the
// caller does not own. Admin tokens may act on any changeset.
func requireChangesetOwner(ctx context.Context, cs *domain.Changeset) error {
	agentID, ok := middleware.AgentIDFromContext(ctx)
	if !ok {
		return huma.Error401Unauthorized("missing agent identity")
	}
	if scope, _ := middleware.ScopeFromContext(ctx); scope == auth.ScopeAdmin {
		return nil
	}
	if cs.AgentID != agentID {
		return huma.Error403Forbidden("changeset belongs to another agent")
	}
	return nil
}

func terminal(state domain.ChangesetState) bool {
	switch state {
	case domain.ChangesetStateApproved, domain.ChangesetStateRejected, domain.ChangesetStateMerged:
		return true
	default:
		return false
	}
}

func RegisterChangesetRoutes(api huma.API, sessions SessionService, changesets ChangesetService, queue VerifyQueue, merger MergeService, eventBus *bus.Bus) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-changes",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/changesets",
		Summary:     "Submit the session's staged changes as a changeset",
		Tags:        []string{"Changesets"},
	}, func(ctx context.Context, input *SubmitChangesInput) (*SubmitResultOutput, error) {
		sess, ws, err := loadOwnedSession(ctx, sessions, input.SessionID)
		if err != nil {
			return nil, err
		}

		res, err := changesets.ValidateAndApply(ctx, sess, ws, input.Body.Changes)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return nil, huma.Error409Conflict("workspace has an outstanding submission")
			}
			return nil, huma.Error500InternalServerError("submission failed", err)
		}

		// An accepted changeset goes straight into the verification
		// queue. A queue failure is not a submission failure: the
		// changeset is persisted and verify can be retriggered.
		if res.Status == domain.SubmitAccepted && res.ChangesetID != nil {
			if qErr := enqueueVerify(ctx, sessions, changesets, queue, *res.ChangesetID); qErr != nil {
				log.Warn().Err(qErr).
					Str("changeset_id", res.ChangesetID.String()).
					Msg("api: failed to enqueue verification")
			}
		}

		return &SubmitResultOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-changes",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/changesets/check",
		Summary:     "Dry-run validation of staged changes",
		Tags:        []string{"Changesets"},
	}, func(ctx context.Context, input *SubmitChangesInput) (*SubmitResultOutput, error) {
		_, ws, err := loadOwnedSession(ctx, sessions, input.SessionID)
		if err != nil {
			return nil, err
		}

		res, err := changesets.Check(ctx, ws, input.Body.Changes)
		if err != nil {
			return nil, huma.Error500InternalServerError("check failed", err)
		}

		return &SubmitResultOutput{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-changeset",
		Method:      http.MethodGet,
		Path:        "/changesets/{id}",
		Summary:     "Get a changeset with its verification results",
		Tags:        []string{"Changesets"},
	}, func(ctx context.Context, input *GetChangesetInput) (*ChangesetStatusOutput, error) {
		cs, err := changesets.Get(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("changeset not found")
			}
			return nil, huma.Error500InternalServerError("failed to load changeset", err)
		}

		results, err := changesets.Results(ctx, input.ID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to load verification results", err)
		}

		out := &ChangesetStatusOutput{}
		out.Body.Changeset = newChangesetView(cs)
		out.Body.Results = results
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-changeset",
		Method:      http.MethodPost,
		Path:        "/changesets/{id}/verify",
		Summary:     "Trigger verification and wait for the outcome",
		Description: "Long-polls until the changeset reaches a terminal state or the wait budget runs out; the response always carries the latest state.",
		Tags:        []string{"Changesets"},
	}, func(ctx context.Context, input *VerifyChangesetInput) (*ChangesetStatusOutput, error) {
		cs, err := changesets.Get(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("changeset not found")
			}
			return nil, huma.Error500InternalServerError("failed to load changeset", err)
		}
		if err := requireChangesetOwner(ctx, cs); err != nil {
			return nil, err
		}

		wait := defaultVerifyWait
		if input.WaitSeconds > 0 {
			wait = time.Duration(input.WaitSeconds) * time.Second
		}
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()

		// Subscribe before the first state read so a terminal event
		// landing between read and wait is not missed.
		sub := eventBus.Subscribe("changeset.*")
		defer sub.Close()

		if cs.State == domain.ChangesetStateSubmitted {
			if qErr := enqueueVerify(ctx, sessions, changesets, queue, input.ID); qErr != nil {
				return nil, huma.Error500InternalServerError("failed to schedule verification", qErr)
			}
		}

		for {
			cs, err = changesets.Get(ctx, input.ID)
			if err != nil {
				return nil, huma.Error500InternalServerError("failed to load changeset", err)
			}
			if terminal(cs.State) {
				break
			}

			ev, err := sub.Next(waitCtx)
			switch {
			case err == nil:
				if ev.ChangesetID != input.ID.String() {
					continue
				}
			case errors.As(err, new(*bus.LaggedError)):
				// Dropped events; the state re-read above recovers.
			case errors.Is(err, bus.ErrClosed), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
				// Budget exhausted or shutting down; report latest state.
				cs, err = changesets.Get(ctx, input.ID)
				if err != nil {
					return nil, huma.Error500InternalServerError("failed to load changeset", err)
				}
				return changesetStatus(ctx, changesets, cs)
			default:
				return nil, huma.Error500InternalServerError("event wait failed", err)
			}
		}

		return changesetStatus(ctx, changesets, cs)
	})

	huma.Register(api, huma.Operation{
		OperationID: "merge-changeset",
		Method:      http.MethodPost,
		Path:        "/changesets/{id}/merge",
		Summary:     "Merge an approved changeset",
		Tags:        []string{"Changesets"},
	}, func(ctx context.Context, input *MergeChangesetInput) (*MergeChangesetOutput, error) {
		cs, err := changesets.Get(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("changeset not found")
			}
			return nil, huma.Error500InternalServerError("failed to load changeset", err)
		}
		if err := requireChangesetOwner(ctx, cs); err != nil {
			return nil, err
		}

		merged, err := merger.Merge(ctx, input.ID)
		if err != nil {
			var conflict *merge.ConflictError
			if errors.As(err, &conflict) {
				details := make([]error, 0, len(conflict.Conflicts))
				for _, c := range conflict.Conflicts {
					details = append(details, &huma.ErrorDetail{
						Message:  c.Message,
						Location: c.FilePath,
						Value:    c.SymbolID,
					})
				}
				return nil, huma.Error409Conflict("merged concurrently with conflicting changes; changeset rejected", details...)
			}
			if errors.Is(err, domain.ErrConflict) {
				return nil, huma.Error409Conflict("changeset is not ready to merge")
			}
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("changeset not found")
			}
			return nil, huma.Error500InternalServerError("merge failed", err)
		}

		return &MergeChangesetOutput{Body: newChangesetView(merged)}, nil
	})
}

// enqueueVerify hands a changeset to the verification runner. The
// workspace is re-read so the job carries its post-submit state.
func enqueueVerify(ctx context.Context, sessions SessionService, changesets ChangesetService, queue VerifyQueue, changesetID uuid.UUID) error {
	cs, err := changesets.Get(ctx, changesetID)
	if err != nil {
		return err
	}
	ws, err := sessions.Workspace(ctx, cs.SessionID)
	if err != nil {
		return err
	}
	return queue.Enqueue(ctx, verify.Job{Changeset: cs, Workspace: ws})
}

func changesetStatus(ctx context.Context, changesets ChangesetService, cs *domain.Changeset) (*ChangesetStatusOutput, error) {
	results, err := changesets.Results(ctx, cs.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to load verification results", err)
	}

	out := &ChangesetStatusOutput{}
	out.Body.Changeset = newChangesetView(cs)
	out.Body.Results = results
	return out, nil
}
