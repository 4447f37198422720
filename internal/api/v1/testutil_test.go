package v1_test

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dkod-io/dkod-engine/internal/auth"
	"github.com/dkod-io/dkod-engine/internal/changeset"
	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/graph"
	"github.com/dkod-io/dkod-engine/internal/overlay"
	"github.com/dkod-io/dkod-engine/internal/server/middleware"
	"github.com/dkod-io/dkod-engine/internal/session"
	"github.com/dkod-io/dkod-engine/internal/verify"
)

// ---------------------------------------------------------------------------
// Context helpers — inject agent identity into context for DoCtx
// ---------------------------------------------------------------------------

func agentCtx(agentID string) context.Context {
	ctx := context.WithValue(context.Background(), middleware.ContextKeyAgentID, agentID)
	return context.WithValue(ctx, middleware.ContextKeyScope, auth.ScopeAgent)
}

func adminCtx(agentID string) context.Context {
	ctx := context.WithValue(context.Background(), middleware.ContextKeyAgentID, agentID)
	return context.WithValue(ctx, middleware.ContextKeyScope, auth.ScopeAdmin)
}

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

func testSession(agentID string) *domain.Session {
	now := time.Now().UTC()
	return &domain.Session{
		ID:              uuid.New(),
		AgentID:         agentID,
		Codebase:        "repo-1",
		Intent:          "refactor parser",
		CodebaseVersion: "commit-abc",
		CreatedAt:       now,
		LastActive:      now,
	}
}

func testWorkspace(sessionID uuid.UUID) *domain.Workspace {
	now := time.Now().UTC()
	return &domain.Workspace{
		ID:             uuid.New(),
		SessionID:      sessionID,
		RepoID:         "repo-1",
		BaseCommitHash: "commit-abc",
		Mode:           domain.WorkspaceModeEphemeral,
		State:          domain.WorkspaceStateActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func testChangeset(agentID string, state domain.ChangesetState) *domain.Changeset {
	now := time.Now().UTC()
	return &domain.Changeset{
		ID:          uuid.New(),
		RepoID:      "repo-1",
		SessionID:   uuid.New(),
		AgentID:     agentID,
		Intent:      "refactor parser",
		State:       state,
		BaseVersion: "commit-abc",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ---------------------------------------------------------------------------
// Mock SessionService
// ---------------------------------------------------------------------------

type mockSessionService struct {
	connectFunc   func(ctx context.Context, p session.ConnectParams) (*session.ConnectResult, error)
	getFunc       func(ctx context.Context, id uuid.UUID) (*domain.Session, error)
	touchFunc     func(ctx context.Context, id uuid.UUID) (bool, error)
	workspaceFunc func(ctx context.Context, sessionID uuid.UUID) (*domain.Workspace, error)
	closeFunc     func(ctx context.Context, id uuid.UUID) error
}

func (m *mockSessionService) Connect(ctx context.Context, p session.ConnectParams) (*session.ConnectResult, error) {
	return m.connectFunc(ctx, p)
}

func (m *mockSessionService) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	return m.getFunc(ctx, id)
}

func (m *mockSessionService) Touch(ctx context.Context, id uuid.UUID) (bool, error) {
	return m.touchFunc(ctx, id)
}

func (m *mockSessionService) Workspace(ctx context.Context, sessionID uuid.UUID) (*domain.Workspace, error) {
	return m.workspaceFunc(ctx, sessionID)
}

func (m *mockSessionService) Close(ctx context.Context, id uuid.UUID) error {
	return m.closeFunc(ctx, id)
}

// sessionServiceFor returns a mock that serves one session/workspace
// pair, the common setup for file and changeset handler tests.
func sessionServiceFor(sess *domain.Session, ws *domain.Workspace) *mockSessionService {
	return &mockSessionService{
		getFunc: func(_ context.Context, id uuid.UUID) (*domain.Session, error) {
			if id != sess.ID {
				return nil, domain.ErrNotFound
			}
			return sess, nil
		},
		workspaceFunc: func(_ context.Context, sessionID uuid.UUID) (*domain.Workspace, error) {
			if sessionID != sess.ID {
				return nil, domain.ErrNotFound
			}
			return ws, nil
		},
	}
}

// ---------------------------------------------------------------------------
// Mock FileService
// ---------------------------------------------------------------------------

type mockFileService struct {
	readFunc   func(ctx context.Context, ws *domain.Workspace, path string) ([]byte, error)
	writeFunc  func(ctx context.Context, ws *domain.Workspace, path string, content []byte) (*domain.OverlayFile, error)
	deleteFunc func(ctx context.Context, ws *domain.Workspace, path string) error
	listFunc   func(ctx context.Context, ws *domain.Workspace, prefix string, limit int) ([]overlay.Entry, error)
}

func (m *mockFileService) Read(ctx context.Context, ws *domain.Workspace, path string) ([]byte, error) {
	return m.readFunc(ctx, ws, path)
}

func (m *mockFileService) Write(ctx context.Context, ws *domain.Workspace, path string, content []byte) (*domain.OverlayFile, error) {
	return m.writeFunc(ctx, ws, path, content)
}

func (m *mockFileService) Delete(ctx context.Context, ws *domain.Workspace, path string) error {
	return m.deleteFunc(ctx, ws, path)
}

func (m *mockFileService) List(ctx context.Context, ws *domain.Workspace, prefix string, limit int) ([]overlay.Entry, error) {
	return m.listFunc(ctx, ws, prefix, limit)
}

// ---------------------------------------------------------------------------
// Mock ChangesetService
// ---------------------------------------------------------------------------

type mockChangesetService struct {
	validateAndApplyFunc func(ctx context.Context, sess *domain.Session, ws *domain.Workspace, changes []domain.Change) (*changeset.Result, error)
	checkFunc            func(ctx context.Context, ws *domain.Workspace, changes []domain.Change) (*changeset.Result, error)
	getFunc              func(ctx context.Context, id uuid.UUID) (*domain.Changeset, error)
	resultsFunc          func(ctx context.Context, id uuid.UUID) ([]*domain.VerificationResult, error)
}

func (m *mockChangesetService) ValidateAndApply(ctx context.Context, sess *domain.Session, ws *domain.Workspace, changes []domain.Change) (*changeset.Result, error) {
	return m.validateAndApplyFunc(ctx, sess, ws, changes)
}

func (m *mockChangesetService) Check(ctx context.Context, ws *domain.Workspace, changes []domain.Change) (*changeset.Result, error) {
	return m.checkFunc(ctx, ws, changes)
}

func (m *mockChangesetService) Get(ctx context.Context, id uuid.UUID) (*domain.Changeset, error) {
	return m.getFunc(ctx, id)
}

func (m *mockChangesetService) Results(ctx context.Context, id uuid.UUID) ([]*domain.VerificationResult, error) {
	return m.resultsFunc(ctx, id)
}

// ---------------------------------------------------------------------------
// Mock VerifyQueue
// ---------------------------------------------------------------------------

type mockVerifyQueue struct {
	enqueueFunc func(ctx context.Context, job verify.Job) error
}

func (m *mockVerifyQueue) Enqueue(ctx context.Context, job verify.Job) error {
	return m.enqueueFunc(ctx, job)
}

// ---------------------------------------------------------------------------
// Mock MergeService
// ---------------------------------------------------------------------------

type mockMergeService struct {
	mergeFunc func(ctx context.Context, changesetID uuid.UUID) (*domain.Changeset, error)
}

func (m *mockMergeService) Merge(ctx context.Context, changesetID uuid.UUID) (*domain.Changeset, error) {
	return m.mergeFunc(ctx, changesetID)
}

// ---------------------------------------------------------------------------
// Mock TokenExchanger
// ---------------------------------------------------------------------------

type mockTokenExchanger struct {
	exchangeFunc func(agentID, secret string) (string, time.Time, error)
}

func (m *mockTokenExchanger) ExchangeAgentSecret(agentID, secret string) (string, time.Time, error) {
	return m.exchangeFunc(agentID, secret)
}

// ---------------------------------------------------------------------------
// Mock SymbolRepository
// ---------------------------------------------------------------------------

type mockSymbolRepo struct {
	getByIDFunc                  func(ctx context.Context, repoID, id string) (*domain.Symbol, error)
	getByQualifiedNameFunc       func(ctx context.Context, repoID, qualifiedName string) (*domain.Symbol, error)
	listByFileFunc               func(ctx context.Context, repoID, filePath string) ([]*domain.Symbol, error)
	rotateFunc                   func(ctx context.Context, repoID, oldID string) (string, error)
	deleteFunc                   func(ctx context.Context, repoID, id string) error
	listCallersFunc              func(ctx context.Context, repoID, symbolID string) ([]*domain.Symbol, error)
	listCalleesFunc              func(ctx context.Context, repoID, symbolID string) ([]*domain.Symbol, error)
	listDependenciesFunc         func(ctx context.Context, repoID string) ([]*domain.Dependency, error)
	listSymbolsForDependencyFunc func(ctx context.Context, dependencyID string) ([]*domain.Symbol, error)
}

func (m *mockSymbolRepo) GetByID(ctx context.Context, repoID, id string) (*domain.Symbol, error) {
	return m.getByIDFunc(ctx, repoID, id)
}

func (m *mockSymbolRepo) GetByQualifiedName(ctx context.Context, repoID, qualifiedName string) (*domain.Symbol, error) {
	return m.getByQualifiedNameFunc(ctx, repoID, qualifiedName)
}

func (m *mockSymbolRepo) ListByFile(ctx context.Context, repoID, filePath string) ([]*domain.Symbol, error) {
	return m.listByFileFunc(ctx, repoID, filePath)
}

func (m *mockSymbolRepo) Rotate(ctx context.Context, repoID, oldID string) (string, error) {
	return m.rotateFunc(ctx, repoID, oldID)
}

func (m *mockSymbolRepo) Delete(ctx context.Context, repoID, id string) error {
	return m.deleteFunc(ctx, repoID, id)
}

func (m *mockSymbolRepo) ListCallers(ctx context.Context, repoID, symbolID string) ([]*domain.Symbol, error) {
	return m.listCallersFunc(ctx, repoID, symbolID)
}

func (m *mockSymbolRepo) ListCallees(ctx context.Context, repoID, symbolID string) ([]*domain.Symbol, error) {
	return m.listCalleesFunc(ctx, repoID, symbolID)
}

func (m *mockSymbolRepo) ListDependencies(ctx context.Context, repoID string) ([]*domain.Dependency, error) {
	return m.listDependenciesFunc(ctx, repoID)
}

func (m *mockSymbolRepo) ListSymbolsForDependency(ctx context.Context, dependencyID string) ([]*domain.Symbol, error) {
	return m.listSymbolsForDependencyFunc(ctx, dependencyID)
}

// ---------------------------------------------------------------------------
// Mock PipelineRepository
// ---------------------------------------------------------------------------

type mockPipelineRepo struct {
	listStepsFunc    func(ctx context.Context, repoID string) ([]*domain.PipelineStep, error)
	replaceStepsFunc func(ctx context.Context, repoID string, steps []*domain.PipelineStep) error
	initResultsFunc  func(ctx context.Context, changesetID uuid.UUID, steps []*domain.PipelineStep) error
	listResultsFunc  func(ctx context.Context, changesetID uuid.UUID) ([]*domain.VerificationResult, error)
	markRunningFunc  func(ctx context.Context, changesetID uuid.UUID, stepOrder int, at time.Time) error
	markDoneFunc     func(ctx context.Context, changesetID uuid.UUID, stepOrder int, status domain.ResultStatus, output string, at time.Time) error
}

func (m *mockPipelineRepo) ListSteps(ctx context.Context, repoID string) ([]*domain.PipelineStep, error) {
	return m.listStepsFunc(ctx, repoID)
}

func (m *mockPipelineRepo) ReplaceSteps(ctx context.Context, repoID string, steps []*domain.PipelineStep) error {
	return m.replaceStepsFunc(ctx, repoID, steps)
}

func (m *mockPipelineRepo) InitResults(ctx context.Context, changesetID uuid.UUID, steps []*domain.PipelineStep) error {
	return m.initResultsFunc(ctx, changesetID, steps)
}

func (m *mockPipelineRepo) ListResults(ctx context.Context, changesetID uuid.UUID) ([]*domain.VerificationResult, error) {
	return m.listResultsFunc(ctx, changesetID)
}

func (m *mockPipelineRepo) MarkRunning(ctx context.Context, changesetID uuid.UUID, stepOrder int, at time.Time) error {
	return m.markRunningFunc(ctx, changesetID, stepOrder, at)
}

func (m *mockPipelineRepo) MarkDone(ctx context.Context, changesetID uuid.UUID, stepOrder int, status domain.ResultStatus, output string, at time.Time) error {
	return m.markDoneFunc(ctx, changesetID, stepOrder, status, output, at)
}

// ---------------------------------------------------------------------------
// Mock VectorSearch
// ---------------------------------------------------------------------------

type mockVectorSearch struct {
	searchSimilarFunc func(ctx context.Context, repoID string, embedding []float32, limit int) ([]graph.SymbolMatch, error)
}

func (m *mockVectorSearch) SearchSimilar(ctx context.Context, repoID string, embedding []float32, limit int) ([]graph.SymbolMatch, error) {
	return m.searchSimilarFunc(ctx, repoID, embedding, limit)
}
