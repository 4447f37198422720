package v1

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/dkod-io/dkod-engine/internal/auth"
	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/server/middleware"
	"github.com/dkod-io/dkod-engine/internal/session"
)

// WorkspaceView is the wire shape of a workspace.
type WorkspaceView struct {
	ID              uuid.UUID `json:"id"`
	SessionID       uuid.UUID `json:"session_id"`
	RepoID          string    `json:"repo_id"`
	BaseCommitHash  string    `json:"base_commit_hash"`
	Mode            string    `json:"mode"`
	State           string    `json:"state"`
	FilesModified   int       `json:"files_modified"`
	SymbolsModified int       `json:"symbols_modified"`
	OverlayBytes    int64     `json:"overlay_bytes"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newWorkspaceView(ws *domain.Workspace) WorkspaceView {
	return WorkspaceView{
		ID:              ws.ID,
		SessionID:       ws.SessionID,
		RepoID:          ws.RepoID,
		BaseCommitHash:  ws.BaseCommitHash,
		Mode:            string(ws.Mode),
		State:           string(ws.State),
		FilesModified:   ws.FilesModified,
		SymbolsModified: ws.SymbolsModified,
		OverlayBytes:    ws.OverlayBytes,
		CreatedAt:       ws.CreatedAt,
		UpdatedAt:       ws.UpdatedAt,
	}
}

type ConnectSessionInput struct {
	Body struct {
		Codebase        string     `json:"codebase,omitempty" maxLength:"255" doc:"Repo id to work on; optional when resuming"`
		Intent          string     `json:"intent,omitempty" maxLength:"2048" doc:"What the agent plans to do"`
		Mode            string     `json:"mode,omitempty" enum:"ephemeral,persistent" doc:"Workspace mode, defaults to ephemeral"`
		ResumeSessionID *uuid.UUID `json:"resume_session_id,omitempty" doc:"Expired session whose snapshot to consume"`
	}
}

type SessionOutput struct {
	Body struct {
		Session   *domain.Session `json:"session"`
		Workspace WorkspaceView   `json:"workspace"`
		Resumed   bool            `json:"resumed,omitempty"`
	}
}

type GetSessionInput struct {
	ID uuid.UUID `path:"id" doc:"Session ID"`
}

type TouchSessionInput struct {
	ID uuid.UUID `path:"id" doc:"Session ID"`
}

type TouchSessionOutput struct {
	Body struct {
		Alive bool `json:"alive"`
	}
}

type CloseSessionInput struct {
	ID uuid.UUID `path:"id" doc:"Session ID"`
}

// requireOwner rejects requests acting on a session the caller does not
// own. Admin tokens may act on any session.
func requireOwner(ctx context.Context, sess *domain.Session) error {
	agentID, ok := middleware.AgentIDFromContext(ctx)
	if !ok {
		return huma.Error401Unauthorized("missing agent identity")
	}
	if scope, _ := middleware.ScopeFromContext(ctx); scope == auth.ScopeAdmin {
		return nil
	}
	if sess.AgentID != agentID {
		return huma.Error403Forbidden("session belongs to another agent")
	}
	return nil
}

// loadOwnedSession fetches a live session and its workspace, enforcing
// ownership. Sessions idle past the timeout read as absent.
func loadOwnedSession(ctx context.Context, sessions SessionService, id uuid.UUID) (*domain.Session, *domain.Workspace, error) {
	sess, err := sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, huma.Error404NotFound("session not found")
		}
		return nil, nil, huma.Error500InternalServerError("failed to load session", err)
	}

	if err := requireOwner(ctx, sess); err != nil {
		return nil, nil, err
	}

	ws, err := sessions.Workspace(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, huma.Error404NotFound("workspace not found")
		}
		return nil, nil, huma.Error500InternalServerError("failed to load workspace", err)
	}

	return sess, ws, nil
}

func RegisterSessionRoutes(api huma.API, sessions SessionService) {
	huma.Register(api, huma.Operation{
		OperationID: "connect-session",
		Method:      http.MethodPost,
		Path:        "/sessions",
		Summary:     "Connect a new session, optionally resuming an expired one",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *ConnectSessionInput) (*SessionOutput, error) {
		agentID, ok := middleware.AgentIDFromContext(ctx)
		if !ok {
			return nil, huma.Error401Unauthorized("missing agent identity")
		}

		if input.Body.Codebase == "" && input.Body.ResumeSessionID == nil {
			return nil, huma.Error422UnprocessableEntity("codebase is required unless resuming")
		}

		res, err := sessions.Connect(ctx, session.ConnectParams{
			AgentID:  agentID,
			Codebase: input.Body.Codebase,
			Intent:   input.Body.Intent,
			Mode:     domain.WorkspaceMode(input.Body.Mode),
			ResumeID: input.Body.ResumeSessionID,
		})
		if err != nil {
			if errors.Is(err, domain.ErrForbidden) {
				return nil, huma.Error403Forbidden("snapshot belongs to another agent")
			}
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("codebase or snapshot not found")
			}
			return nil, huma.Error500InternalServerError("failed to connect session", err)
		}

		out := &SessionOutput{}
		out.Body.Session = res.Session
		out.Body.Workspace = newWorkspaceView(res.Workspace)
		out.Body.Resumed = res.Resumed
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get a session and its workspace",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *GetSessionInput) (*SessionOutput, error) {
		sess, ws, err := loadOwnedSession(ctx, sessions, input.ID)
		if err != nil {
			return nil, err
		}

		out := &SessionOutput{}
		out.Body.Session = sess
		out.Body.Workspace = newWorkspaceView(ws)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "touch-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/touch",
		Summary:     "Reset the session idle clock",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *TouchSessionInput) (*TouchSessionOutput, error) {
		sess, err := sessions.Get(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to load session", err)
		}
		if err := requireOwner(ctx, sess); err != nil {
			return nil, err
		}

		alive, err := sessions.Touch(ctx, input.ID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to touch session", err)
		}
		if !alive {
			return nil, huma.Error404NotFound("session expired; reconnect to resume")
		}

		out := &TouchSessionOutput{}
		out.Body.Alive = true
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}",
		Summary:     "Close a session",
		Tags:        []string{"Sessions"},
	}, func(ctx context.Context, input *CloseSessionInput) (*struct{}, error) {
		sess, err := sessions.Get(ctx, input.ID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to load session", err)
		}
		if err := requireOwner(ctx, sess); err != nil {
			return nil, err
		}

		if err := sessions.Close(ctx, input.ID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, huma.Error404NotFound("session not found")
			}
			return nil, huma.Error500InternalServerError("failed to close session", err)
		}

		return nil, nil
	})
}
