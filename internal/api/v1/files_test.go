package v1_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/dkod-io/dkod-engine/internal/api/v1"
	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/overlay"
)

func TestReadFile(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		sess := testSession("agent-1")
		ws := testWorkspace(sess.ID)
		files := &mockFileService{
			readFunc: func(_ context.Context, gotWS *domain.Workspace, path string) ([]byte, error) {
				assert.Equal(t, ws.ID, gotWS.ID)
				assert.Equal(t, "pkg/parser.go", path)
				return []byte("package pkg\n"), nil
			},
		}

		_, api := humatest.New(t)
		v1.RegisterFileRoutes(api, sessionServiceFor(sess, ws), files)

		resp := api.GetCtx(agentCtx("agent-1"), "/sessions/"+sess.ID.String()+"/file?path=pkg%2Fparser.go")
		require.Equal(t, http.StatusOK, resp.Code)

		var body struct {
			Path    string `json:"path"`
			Content []byte `json:"content"`
			Size    int64  `json:"size_bytes"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "pkg/parser.go", body.Path)
		assert.Equal(t, []byte("package pkg\n"), body.Content)
		assert.Equal(t, int64(len("package pkg\n")), body.Size)
	})

	t.Run("absent_file", func(t *testing.T) {
		t.Parallel()

		sess := testSession("agent-1")
		ws := testWorkspace(sess.ID)
		files := &mockFileService{
			readFunc: func(_ context.Context, _ *domain.Workspace, _ string) ([]byte, error) {
				return nil, domain.ErrNotFound
			},
		}

		_, api := humatest.New(t)
		v1.RegisterFileRoutes(api, sessionServiceFor(sess, ws), files)

		resp := api.GetCtx(agentCtx("agent-1"), "/sessions/"+sess.ID.String()+"/file?path=ghost.go")
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("other_agents_session_forbidden", func(t *testing.T) {
		t.Parallel()

		sess := testSession("agent-1")
		ws := testWorkspace(sess.ID)
		files := &mockFileService{
			readFunc: func(_ context.Context, _ *domain.Workspace, _ string) ([]byte, error) {
				t.Error("handler must reject before reading")
				return nil, nil
			},
		}

		_, api := humatest.New(t)
		v1.RegisterFileRoutes(api, sessionServiceFor(sess, ws), files)

		resp := api.GetCtx(agentCtx("agent-2"), "/sessions/"+sess.ID.String()+"/file?path=main.go")
		assert.Equal(t, http.StatusForbidden, resp.Code)
	})
}

func TestWriteFile(t *testing.T) {
	t.Parallel()

	t.Run("happy_path", func(t *testing.T) {
		t.Parallel()

		sess := testSession("agent-1")
		ws := testWorkspace(sess.ID)
		files := &mockFileService{
			writeFunc: func(_ context.Context, _ *domain.Workspace, path string, content []byte) (*domain.OverlayFile, error) {
				assert.Equal(t, "pkg/new.go", path)
				assert.Equal(t, []byte("package pkg\n"), content)
				return &domain.OverlayFile{
					FilePath:   path,
					SizeBytes:  int64(len(content)),
					ChangeType: domain.FileAdded,
				}, nil
			},
		}

		_, api := humatest.New(t)
		v1.RegisterFileRoutes(api, sessionServiceFor(sess, ws), files)

		resp := api.PutCtx(agentCtx("agent-1"), "/sessions/"+sess.ID.String()+"/file", map[string]any{
			"path":    "pkg/new.go",
			"content": base64.StdEncoding.EncodeToString([]byte("package pkg\n")),
		})
		require.Equal(t, http.StatusOK, resp.Code)

		var body overlay.Entry
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "pkg/new.go", body.Path)
		assert.Equal(t, domain.FileAdded, body.ChangeType)
	})

	t.Run("submitted_workspace_conflicts", func(t *testing.T) {
		t.Parallel()

		sess := testSession("agent-1")
		ws := testWorkspace(sess.ID)
		files := &mockFileService{
			writeFunc: func(_ context.Context, _ *domain.Workspace, _ string, _ []byte) (*domain.OverlayFile, error) {
				return nil, domain.ErrConflict
			},
		}

		_, api := humatest.New(t)
		v1.RegisterFileRoutes(api, sessionServiceFor(sess, ws), files)

		resp := api.PutCtx(agentCtx("agent-1"), "/sessions/"+sess.ID.String()+"/file", map[string]any{
			"path":    "main.go",
			"content": base64.StdEncoding.EncodeToString([]byte("x")),
		})
		assert.Equal(t, http.StatusConflict, resp.Code)
	})

	t.Run("invalid_path", func(t *testing.T) {
		t.Parallel()

		sess := testSession("agent-1")
		ws := testWorkspace(sess.ID)
		files := &mockFileService{
			writeFunc: func(_ context.Context, _ *domain.Workspace, _ string, _ []byte) (*domain.OverlayFile, error) {
				return nil, domain.ErrInvalidPath
			},
		}

		_, api := humatest.New(t)
		v1.RegisterFileRoutes(api, sessionServiceFor(sess, ws), files)

		resp := api.PutCtx(agentCtx("agent-1"), "/sessions/"+sess.ID.String()+"/file", map[string]any{
			"path":    "../escape",
			"content": base64.StdEncoding.EncodeToString([]byte("x")),
		})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	})
}

func TestDeleteFile(t *testing.T) {
	t.Parallel()

	sess := testSession("agent-1")
	ws := testWorkspace(sess.ID)

	var deleted string
	files := &mockFileService{
		deleteFunc: func(_ context.Context, _ *domain.Workspace, path string) error {
			deleted = path
			return nil
		},
	}

	_, api := humatest.New(t)
	v1.RegisterFileRoutes(api, sessionServiceFor(sess, ws), files)

	resp := api.DeleteCtx(agentCtx("agent-1"), "/sessions/"+sess.ID.String()+"/file?path=old.go")
	require.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, "old.go", deleted)
}

func TestListFiles(t *testing.T) {
	t.Parallel()

	sess := testSession("agent-1")
	ws := testWorkspace(sess.ID)
	files := &mockFileService{
		listFunc: func(_ context.Context, _ *domain.Workspace, prefix string, limit int) ([]overlay.Entry, error) {
			assert.Equal(t, "pkg/", prefix)
			assert.Equal(t, 100, limit)
			return []overlay.Entry{
				{Path: "pkg/new.go", SizeBytes: 12, ChangeType: domain.FileAdded},
				{Path: "pkg/parser.go", SizeBytes: 22},
			}, nil
		},
	}

	_, api := humatest.New(t)
	v1.RegisterFileRoutes(api, sessionServiceFor(sess, ws), files)

	resp := api.GetCtx(agentCtx("agent-1"), "/sessions/"+sess.ID.String()+"/files?prefix=pkg%2F&limit=100")
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Files []overlay.Entry `json:"files"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Files, 2)
	assert.Equal(t, "pkg/new.go", body.Files[0].Path)
	assert.Empty(t, body.Files[1].ChangeType)
}
