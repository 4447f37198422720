package v1

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/overlay"
)

type ListFilesInput struct {
	SessionID uuid.UUID `path:"id" doc:"Session ID"`
	Prefix    string    `query:"prefix" doc:"Only list paths starting with this prefix"`
	Limit     int       `query:"limit" minimum:"0" maximum:"10000" doc:"Maximum entries to return; 0 means no limit"`
}

type ListFilesOutput struct {
	Body struct {
		Files []overlay.Entry `json:"files"`
	}
}

type ReadFileInput struct {
	SessionID uuid.UUID `path:"id" doc:"Session ID"`
	Path      string    `query:"path" required:"true" doc:"Workspace-relative file path"`
}

type ReadFileOutput struct {
	Body struct {
		Path    string `json:"path"`
		Content []byte `json:"content" doc:"File bytes, base64-encoded"`
		Size    int64  `json:"size_bytes"`
	}
}

type WriteFileInput struct {
	SessionID uuid.UUID `path:"id" doc:"Session ID"`
	Body      struct {
		Path    string `json:"path" minLength:"1" doc:"Workspace-relative file path"`
		Content []byte `json:"content" doc:"File bytes, base64-encoded"`
	}
}

type WriteFileOutput struct {
	Body overlay.Entry
}

type DeleteFileInput struct {
	SessionID uuid.UUID `path:"id" doc:"Session ID"`
	Path      string    `query:"path" required:"true" doc:"Workspace-relative file path"`
}

// fileError maps overlay failures onto API status codes. Invalid paths
// are the client's fault, conflicts mean the workspace is no longer
// writable, and unknown paths read as absent.
func fileError(err error, action string) error {
	switch {
	case errors.Is(err, domain.ErrInvalidPath):
		return huma.Error422UnprocessableEntity("invalid file path")
	case errors.Is(err, domain.ErrNotFound):
		return huma.Error404NotFound("file not found")
	case errors.Is(err, domain.ErrConflict):
		return huma.Error409Conflict("workspace is not writable")
	default:
		return huma.Error500InternalServerError("failed to "+action+" file", err)
	}
}

func RegisterFileRoutes(api huma.API, sessions SessionService, files FileService) {
	huma.Register(api, huma.Operation{
		OperationID: "list-files",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/files",
		Summary:     "List files visible in the session workspace",
		Tags:        []string{"Files"},
	}, func(ctx context.Context, input *ListFilesInput) (*ListFilesOutput, error) {
		_, ws, err := loadOwnedSession(ctx, sessions, input.SessionID)
		if err != nil {
			return nil, err
		}

		entries, err := files.List(ctx, ws, input.Prefix, input.Limit)
		if err != nil {
			return nil, fileError(err, "list")
		}

		out := &ListFilesOutput{}
		out.Body.Files = entries
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-file",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}/file",
		Summary:     "Read a file through the workspace overlay",
		Tags:        []string{"Files"},
	}, func(ctx context.Context, input *ReadFileInput) (*ReadFileOutput, error) {
		_, ws, err := loadOwnedSession(ctx, sessions, input.SessionID)
		if err != nil {
			return nil, err
		}

		content, err := files.Read(ctx, ws, input.Path)
		if err != nil {
			return nil, fileError(err, "read")
		}

		out := &ReadFileOutput{}
		out.Body.Path = input.Path
		out.Body.Content = content
		out.Body.Size = int64(len(content))
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "write-file",
		Method:      http.MethodPut,
		Path:        "/sessions/{id}/file",
		Summary:     "Write a file into the workspace overlay",
		Tags:        []string{"Files"},
	}, func(ctx context.Context, input *WriteFileInput) (*WriteFileOutput, error) {
		_, ws, err := loadOwnedSession(ctx, sessions, input.SessionID)
		if err != nil {
			return nil, err
		}

		written, err := files.Write(ctx, ws, input.Body.Path, input.Body.Content)
		if err != nil {
			return nil, fileError(err, "write")
		}

		return &WriteFileOutput{Body: overlay.Entry{
			Path:       written.FilePath,
			SizeBytes:  written.SizeBytes,
			ChangeType: written.ChangeType,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-file",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}/file",
		Summary:     "Delete a file in the workspace overlay",
		Tags:        []string{"Files"},
	}, func(ctx context.Context, input *DeleteFileInput) (*struct{}, error) {
		_, ws, err := loadOwnedSession(ctx, sessions, input.SessionID)
		if err != nil {
			return nil, err
		}

		if err := files.Delete(ctx, ws, input.Path); err != nil {
			return nil, fileError(err, "delete")
		}

		return nil, nil
	})
}
