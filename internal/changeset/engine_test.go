package changeset

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkod-io/dkod-engine/internal/bus"
	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/gitstore"
	"github.com/dkod-io/dkod-engine/internal/objectstore"
	"github.com/dkod-io/dkod-engine/internal/overlay"
)

type memChangesetRepo struct {
	mu         sync.Mutex
	changesets map[uuid.UUID]*domain.Changeset
	files      map[uuid.UUID][]*domain.ChangesetFile
	symbols    map[uuid.UUID][]*domain.ChangesetSymbol
}

func newMemChangesetRepo() *memChangesetRepo {
	return &memChangesetRepo{
		changesets: make(map[uuid.UUID]*domain.Changeset),
		files:      make(map[uuid.UUID][]*domain.ChangesetFile),
		symbols:    make(map[uuid.UUID][]*domain.ChangesetSymbol),
	}
}

func (r *memChangesetRepo) Create(_ context.Context, c *domain.Changeset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.changesets[c.ID]; ok {
		return domain.ErrConflict
	}
	clone := *c
	r.changesets[c.ID] = &clone
	return nil
}

func (r *memChangesetRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Changeset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.changesets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (r *memChangesetRepo) ListBySession(_ context.Context, sessionID uuid.UUID) ([]*domain.Changeset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Changeset
	for _, c := range r.changesets {
		if c.SessionID == sessionID {
			clone := *c
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *memChangesetRepo) UpdateStateIf(_ context.Context, id uuid.UUID, from []domain.ChangesetState, to domain.ChangesetState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.changesets[id]
	if !ok {
		return domain.ErrNotFound
	}
	for _, s := range from {
		if c.State == s {
			c.State = to
			c.UpdatedAt = time.Now()
			return nil
		}
	}
	return domain.ErrConflict
}

func (r *memChangesetRepo) SetMerged(_ context.Context, id uuid.UUID, mergedVersion string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.changesets[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	c.State = domain.ChangesetStateMerged
	c.MergedVersion = &mergedVersion
	c.MergedAt = &now
	c.UpdatedAt = now
	return nil
}

func (r *memChangesetRepo) RecordFile(_ context.Context, f *domain.ChangesetFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *f
	r.files[f.ChangesetID] = append(r.files[f.ChangesetID], &clone)
	return nil
}

func (r *memChangesetRepo) RecordSymbol(_ context.Context, s *domain.ChangesetSymbol) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *s
	r.symbols[s.ChangesetID] = append(r.symbols[s.ChangesetID], &clone)
	return nil
}

func (r *memChangesetRepo) ListFiles(_ context.Context, changesetID uuid.UUID) ([]*domain.ChangesetFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.ChangesetFile(nil), r.files[changesetID]...), nil
}

func (r *memChangesetRepo) ListSymbols(_ context.Context, changesetID uuid.UUID) ([]*domain.ChangesetSymbol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.ChangesetSymbol(nil), r.symbols[changesetID]...), nil
}

func (r *memChangesetRepo) FindConflicting(_ context.Context, _ string, _ uuid.UUID, _ string) ([]*domain.ConflictingChangeset, error) {
	return nil, nil
}

func (r *memChangesetRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changesets)
}

type memSymbolRepo struct {
	mu   sync.Mutex
	byID map[string]*domain.Symbol // keyed repoID + "/" + id
}

func newMemSymbolRepo() *memSymbolRepo {
	return &memSymbolRepo{byID: make(map[string]*domain.Symbol)}
}

func (r *memSymbolRepo) put(s *domain.Symbol) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *s
	r.byID[s.RepoID+"/"+s.ID] = &clone
}

func (r *memSymbolRepo) GetByID(_ context.Context, repoID, id string) (*domain.Symbol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[repoID+"/"+id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *s
	return &clone, nil
}

func (r *memSymbolRepo) GetByQualifiedName(_ context.Context, repoID, qualifiedName string) (*domain.Symbol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byID {
		if s.RepoID == repoID && s.QualifiedName == qualifiedName {
			clone := *s
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memSymbolRepo) ListByFile(_ context.Context, repoID, filePath string) ([]*domain.Symbol, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Symbol
	for _, s := range r.byID {
		if s.RepoID == repoID && s.FilePath == filePath {
			clone := *s
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (r *memSymbolRepo) Rotate(_ context.Context, repoID, oldID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[repoID+"/"+oldID]
	if !ok {
		return "", domain.ErrNotFound
	}
	delete(r.byID, repoID+"/"+oldID)
	s.ID = "sym_" + uuid.NewString()
	r.byID[repoID+"/"+s.ID] = s
	return s.ID, nil
}

func (r *memSymbolRepo) Delete(_ context.Context, repoID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[repoID+"/"+id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.byID, repoID+"/"+id)
	return nil
}

func (r *memSymbolRepo) ListCallers(_ context.Context, _, _ string) ([]*domain.Symbol, error) {
	return nil, nil
}

func (r *memSymbolRepo) ListCallees(_ context.Context, _, _ string) ([]*domain.Symbol, error) {
	return nil, nil
}

func (r *memSymbolRepo) ListDependencies(_ context.Context, _ string) ([]*domain.Dependency, error) {
	return nil, nil
}

func (r *memSymbolRepo) ListSymbolsForDependency(_ context.Context, _ string) ([]*domain.Symbol, error) {
	return nil, nil
}

type memPipelineRepo struct {
	mu      sync.Mutex
	steps   map[string][]*domain.PipelineStep
	results map[uuid.UUID][]*domain.VerificationResult
}

func newMemPipelineRepo() *memPipelineRepo {
	return &memPipelineRepo{
		steps:   make(map[string][]*domain.PipelineStep),
		results: make(map[uuid.UUID][]*domain.VerificationResult),
	}
}

func (r *memPipelineRepo) ListSteps(_ context.Context, repoID string) ([]*domain.PipelineStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]*domain.PipelineStep(nil), r.steps[repoID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (r *memPipelineRepo) ReplaceSteps(_ context.Context, repoID string, steps []*domain.PipelineStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[repoID] = append([]*domain.PipelineStep(nil), steps...)
	return nil
}

func (r *memPipelineRepo) InitResults(_ context.Context, changesetID uuid.UUID, steps []*domain.PipelineStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	have := make(map[int]bool)
	for _, res := range r.results[changesetID] {
		have[res.StepOrder] = true
	}
	for _, s := range steps {
		if have[s.StepOrder] {
			continue
		}
		r.results[changesetID] = append(r.results[changesetID], &domain.VerificationResult{
			ChangesetID: changesetID,
			StepOrder:   s.StepOrder,
			StepType:    s.StepType,
			Config:      s.Config,
			Required:    s.Required,
			Status:      domain.ResultPending,
		})
	}
	return nil
}

func (r *memPipelineRepo) ListResults(_ context.Context, changesetID uuid.UUID) ([]*domain.VerificationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.VerificationResult, 0, len(r.results[changesetID]))
	for _, res := range r.results[changesetID] {
		clone := *res
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (r *memPipelineRepo) MarkRunning(_ context.Context, changesetID uuid.UUID, stepOrder int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results[changesetID] {
		if res.StepOrder == stepOrder {
			res.Status = domain.ResultRunning
			res.StartedAt = &at
			return nil
		}
	}
	return domain.ErrNotFound
}

func (r *memPipelineRepo) MarkDone(_ context.Context, changesetID uuid.UUID, stepOrder int, status domain.ResultStatus, output string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.results[changesetID] {
		if res.StepOrder == stepOrder {
			res.Status = status
			res.Output = output
			res.CompletedAt = &at
			return nil
		}
	}
	return domain.ErrNotFound
}

type memWorkspaceRepo struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*domain.Workspace
}

func newMemWorkspaceRepo() *memWorkspaceRepo {
	return &memWorkspaceRepo{byID: make(map[uuid.UUID]*domain.Workspace)}
}

func (r *memWorkspaceRepo) Create(_ context.Context, w *domain.Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *w
	r.byID[w.ID] = &clone
	return nil
}

func (r *memWorkspaceRepo) GetByID(_ context.Context, id uuid.UUID) (*domain.Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *w
	return &clone, nil
}

func (r *memWorkspaceRepo) GetBySessionID(_ context.Context, sessionID uuid.UUID) (*domain.Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.byID {
		if w.SessionID == sessionID {
			clone := *w
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memWorkspaceRepo) UpdateState(_ context.Context, id uuid.UUID, state domain.WorkspaceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.State = state
	w.UpdatedAt = time.Now()
	return nil
}

func (r *memWorkspaceRepo) AddSymbolsModified(_ context.Context, id uuid.UUID, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.SymbolsModified += delta
	return nil
}

type memOverlayRepo struct {
	mu      sync.Mutex
	entries map[string]*domain.OverlayFile // keyed workspaceID + "/" + path
}

func newMemOverlayRepo() *memOverlayRepo {
	return &memOverlayRepo{entries: make(map[string]*domain.OverlayFile)}
}

func (r *memOverlayRepo) Upsert(_ context.Context, f *domain.OverlayFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := f.WorkspaceID.String() + "/" + f.FilePath
	clone := *f
	if prev, ok := r.entries[key]; ok && prev.BaseContentHash != nil && clone.BaseContentHash == nil {
		clone.BaseContentHash = prev.BaseContentHash
	}
	r.entries[key] = &clone
	return nil
}

func (r *memOverlayRepo) Get(_ context.Context, workspaceID uuid.UUID, path string) (*domain.OverlayFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.entries[workspaceID.String()+"/"+path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *f
	return &clone, nil
}

func (r *memOverlayRepo) ListByPrefix(_ context.Context, workspaceID uuid.UUID, prefix string) ([]*domain.OverlayFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.OverlayFile
	for _, f := range r.entries {
		if f.WorkspaceID == workspaceID && strings.HasPrefix(f.FilePath, prefix) {
			clone := *f
			clone.Content = nil
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

func (r *memOverlayRepo) ListAll(_ context.Context, workspaceID uuid.UUID) ([]*domain.OverlayFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.OverlayFile
	for _, f := range r.entries {
		if f.WorkspaceID == workspaceID {
			clone := *f
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

type fixture struct {
	eng        *Engine
	changesets *memChangesetRepo
	symbols    *memSymbolRepo
	pipelines  *memPipelineRepo
	workspaces *memWorkspaceRepo
	ov         *overlay.Service
	bus        *bus.Bus
	sess       *domain.Session
	ws         *domain.Workspace
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	git := gitstore.NewMemory()
	head, err := git.InitRepo("repo-1", map[string][]byte{
		"main.go":        []byte("package main\n"),
		"pkg/parser.go":  []byte("package pkg\n\nfunc Parse() {}\n"),
		"pkg/emitter.go": []byte("package pkg\n\nfunc Emit() {}\n"),
	})
	require.NoError(t, err)

	objects, err := objectstore.NewLocal(t.TempDir())
	require.NoError(t, err)

	changesets := newMemChangesetRepo()
	symbols := newMemSymbolRepo()
	pipelines := newMemPipelineRepo()
	workspaces := newMemWorkspaceRepo()
	ov := overlay.New(newMemOverlayRepo(), git, objects, 0)

	eventBus := bus.New(16)
	t.Cleanup(eventBus.Close)

	symbols.put(&domain.Symbol{
		ID:            "sym_parse_v1",
		RepoID:        "repo-1",
		Name:          "Parse",
		QualifiedName: "pkg.Parse",
		Kind:          "function",
		Visibility:    "public",
		FilePath:      "pkg/parser.go",
	})

	now := time.Now()
	sess := &domain.Session{
		ID:              uuid.New(),
		AgentID:         "agent-1",
		Codebase:        "repo-1",
		Intent:          "refactor parser",
		CodebaseVersion: head,
		CreatedAt:       now,
		LastActive:      now,
	}
	ws := &domain.Workspace{
		ID:             uuid.New(),
		SessionID:      sess.ID,
		RepoID:         "repo-1",
		BaseCommitHash: head,
		Mode:           domain.WorkspaceModeEphemeral,
		State:          domain.WorkspaceStateActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, workspaces.Create(ctx, ws))

	return &fixture{
		eng:        New(changesets, symbols, pipelines, workspaces, ov, eventBus),
		changesets: changesets,
		symbols:    symbols,
		pipelines:  pipelines,
		workspaces: workspaces,
		ov:         ov,
		bus:        eventBus,
		sess:       sess,
		ws:         ws,
	}
}

func nextEvent(t *testing.T, sub *bus.Subscription) domain.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestEngine_SubmitAcceptsFreshAdd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	sub := f.bus.Subscribe(string(domain.EventChangesetSubmitted))
	defer sub.Close()

	_, err := f.ov.Write(ctx, f.ws, "pkg/helpers.go", []byte("package pkg\n\nfunc Helper() {}\n"))
	require.NoError(t, err)

	res, err := f.eng.ValidateAndApply(ctx, f.sess, f.ws, []domain.Change{{
		Type:       domain.ChangeAddFunction,
		SymbolName: "pkg.Helper",
		FilePath:   "pkg/helpers.go",
		NewSource:  "func Helper() {}",
	}})
	require.NoError(t, err)
	require.Equal(t, domain.SubmitAccepted, res.Status)
	require.NotNil(t, res.ChangesetID)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Conflicts)

	cs, err := f.changesets.GetByID(ctx, *res.ChangesetID)
	require.NoError(t, err)
	assert.Equal(t, domain.ChangesetStateSubmitted, cs.State)
	assert.Equal(t, f.ws.BaseCommitHash, cs.BaseVersion)
	assert.Equal(t, "refactor parser", cs.Intent)
	assert.Equal(t, "agent-1", cs.AgentID)

	files, err := f.changesets.ListFiles(ctx, cs.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "pkg/helpers.go", files[0].FilePath)
	assert.Equal(t, domain.FileAdded, files[0].Operation)

	// A pure addition references no prior symbols.
	claims, err := f.changesets.ListSymbols(ctx, cs.ID)
	require.NoError(t, err)
	assert.Empty(t, claims)

	results, err := f.pipelines.ListResults(ctx, cs.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "typecheck", results[0].StepType)
	assert.Equal(t, "test", results[1].StepType)
	for _, r := range results {
		assert.Equal(t, domain.ResultPending, r.Status)
	}

	ws, err := f.workspaces.GetByID(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkspaceStateSubmitted, ws.State)
	assert.Equal(t, 1, ws.SymbolsModified)

	ev := nextEvent(t, sub)
	assert.Equal(t, domain.EventChangesetSubmitted, ev.Type)
	assert.Equal(t, cs.ID.String(), ev.ChangesetID)
	assert.Equal(t, f.sess.ID.String(), ev.SessionID)
	assert.Equal(t, []string{"pkg.Helper"}, ev.AffectedSymbols)
}

func TestEngine_SubmitConflictOnStaleSymbol(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	// Another agent merged first: pkg.Parse rotated from the id this
	// submission read to a fresh one.
	newID, err := f.symbols.Rotate(ctx, "repo-1", "sym_parse_v1")
	require.NoError(t, err)

	_, err = f.ov.Write(ctx, f.ws, "pkg/parser.go", []byte("package pkg\n\nfunc Parse() { return }\n"))
	require.NoError(t, err)

	res, err := f.eng.ValidateAndApply(ctx, f.sess, f.ws, []domain.Change{{
		Type:        domain.ChangeModifyFunction,
		SymbolName:  "pkg.Parse",
		FilePath:    "pkg/parser.go",
		OldSymbolID: "sym_parse_v1",
		NewSource:   "func Parse() { return }",
	}})
	require.NoError(t, err)
	require.Equal(t, domain.SubmitConflict, res.Status)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "sym_parse_v1", res.Conflicts[0].SymbolID)
	assert.Equal(t, "pkg/parser.go", res.Conflicts[0].FilePath)
	assert.Contains(t, res.Conflicts[0].Message, newID)
	assert.Nil(t, res.ChangesetID)

	// Nothing persisted; the agent amends in place and resubmits.
	assert.Zero(t, f.changesets.count())
	ws, err := f.workspaces.GetByID(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkspaceStateActive, ws.State)
}

func TestEngine_SubmitRejectsStructuralErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ov.Write(ctx, f.ws, "pkg/parser.go", []byte("package pkg // edited\n"))
	require.NoError(t, err)

	res, err := f.eng.ValidateAndApply(ctx, f.sess, f.ws, []domain.Change{
		{Type: "rename_function", SymbolName: "pkg.Parse", FilePath: "pkg/parser.go"},
		{Type: domain.ChangeAddFunction, SymbolName: "", FilePath: "pkg/parser.go", NewSource: "x"},
		{Type: domain.ChangeModifyFunction, SymbolName: "pkg.Parse", FilePath: "../escape.go", OldSymbolID: "sym_parse_v1", NewSource: "x"},
		{Type: domain.ChangeModifyFunction, SymbolName: "pkg.Parse", FilePath: "pkg/parser.go", NewSource: "x"},
		{Type: domain.ChangeAddFunction, SymbolName: "pkg.Ghost", FilePath: "pkg/ghost.go", NewSource: "x"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.SubmitRejected, res.Status)
	require.Len(t, res.Errors, 5)

	// Errors are batched across the submission, not fail-fast, and each
	// carries the index of the offending change.
	for i, want := range []string{
		"unknown change type",
		"symbol_name is required",
		"invalid file_path",
		"old_symbol_id is required",
		"not present in workspace",
	} {
		assert.Equal(t, i, res.Errors[i].Index)
		assert.Contains(t, res.Errors[i].Message, want)
	}

	assert.Zero(t, f.changesets.count())
}

func TestEngine_SubmitRejectsDuplicateAdds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ov.Write(ctx, f.ws, "pkg/helpers.go", []byte("package pkg\n"))
	require.NoError(t, err)

	res, err := f.eng.ValidateAndApply(ctx, f.sess, f.ws, []domain.Change{
		{Type: domain.ChangeAddFunction, SymbolName: "pkg.Helper", FilePath: "pkg/helpers.go", NewSource: "x"},
		{Type: domain.ChangeAddFunction, SymbolName: "pkg.Helper", FilePath: "pkg/helpers.go", NewSource: "y"},
		{Type: domain.ChangeAddFunction, SymbolName: "pkg.Parse", FilePath: "pkg/helpers.go", NewSource: "z"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.SubmitRejected, res.Status)
	require.Len(t, res.Errors, 2)

	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Contains(t, res.Errors[0].Message, "duplicate symbol")
	assert.Contains(t, res.Errors[0].Message, "change 0")

	assert.Equal(t, 2, res.Errors[1].Index)
	assert.Contains(t, res.Errors[1].Message, "already exists")

	assert.Zero(t, f.changesets.count())
}

func TestEngine_SubmitRejectsMismatchedSymbolID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ov.Write(ctx, f.ws, "pkg/parser.go", []byte("package pkg // edited\n"))
	require.NoError(t, err)

	// The id is current but names a different symbol than the change claims.
	res, err := f.eng.ValidateAndApply(ctx, f.sess, f.ws, []domain.Change{{
		Type:        domain.ChangeModifyFunction,
		SymbolName:  "pkg.Other",
		FilePath:    "pkg/parser.go",
		OldSymbolID: "sym_parse_v1",
		NewSource:   "x",
	}})
	require.NoError(t, err)
	require.Equal(t, domain.SubmitRejected, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, `belongs to "pkg.Parse"`)
}

func TestEngine_SubmitRejectsUnknownSymbol(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ov.Write(ctx, f.ws, "pkg/parser.go", []byte("package pkg // edited\n"))
	require.NoError(t, err)

	// Neither the id nor the qualified name exists: a plain not-found
	// error, not a conflict.
	res, err := f.eng.ValidateAndApply(ctx, f.sess, f.ws, []domain.Change{{
		Type:        domain.ChangeDeleteFunction,
		SymbolName:  "pkg.Vanished",
		FilePath:    "pkg/parser.go",
		OldSymbolID: "sym_gone",
	}})
	require.NoError(t, err)
	require.Equal(t, domain.SubmitRejected, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "not found")
	assert.Empty(t, res.Conflicts)
}

func TestEngine_SubmitAcceptsModifyWithCurrentID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ov.Write(ctx, f.ws, "pkg/parser.go", []byte("package pkg\n\nfunc Parse() { return }\n"))
	require.NoError(t, err)

	res, err := f.eng.ValidateAndApply(ctx, f.sess, f.ws, []domain.Change{{
		Type:        domain.ChangeModifyFunction,
		SymbolName:  "pkg.Parse",
		FilePath:    "pkg/parser.go",
		OldSymbolID: "sym_parse_v1",
		NewSource:   "func Parse() { return }",
	}})
	require.NoError(t, err)
	require.Equal(t, domain.SubmitAccepted, res.Status)
	require.NotNil(t, res.ChangesetID)

	claims, err := f.changesets.ListSymbols(ctx, *res.ChangesetID)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "sym_parse_v1", claims[0].SymbolID)
	assert.Equal(t, "pkg.Parse", claims[0].QualifiedName)
	assert.Equal(t, "pkg/parser.go", claims[0].FilePath)
	assert.Equal(t, domain.ChangeModifyFunction, claims[0].ChangeType)

	files, err := f.changesets.ListFiles(ctx, *res.ChangesetID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, domain.FileModified, files[0].Operation)
}

func TestEngine_SubmitDeleteOfTombstonedFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.ov.Delete(ctx, f.ws, "pkg/parser.go"))

	res, err := f.eng.ValidateAndApply(ctx, f.sess, f.ws, []domain.Change{{
		Type:        domain.ChangeDeleteFunction,
		SymbolName:  "pkg.Parse",
		FilePath:    "pkg/parser.go",
		OldSymbolID: "sym_parse_v1",
	}})
	require.NoError(t, err)
	require.Equal(t, domain.SubmitAccepted, res.Status)

	files, err := f.changesets.ListFiles(ctx, *res.ChangesetID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, domain.FileDeleted, files[0].Operation)
	assert.Zero(t, files[0].SizeBytes)
}

func TestEngine_SubmitSnapshotsConfiguredPipeline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.pipelines.ReplaceSteps(ctx, "repo-1", []*domain.PipelineStep{
		{RepoID: "repo-1", StepOrder: 0, StepType: "typecheck", Required: true},
		{RepoID: "repo-1", StepOrder: 1, StepType: "test", Required: true},
		{RepoID: "repo-1", StepOrder: 2, StepType: "lint", Required: false},
	}))

	_, err := f.ov.Write(ctx, f.ws, "pkg/helpers.go", []byte("package pkg\n"))
	require.NoError(t, err)

	res, err := f.eng.ValidateAndApply(ctx, f.sess, f.ws, []domain.Change{{
		Type:       domain.ChangeAddFunction,
		SymbolName: "pkg.Helper",
		FilePath:   "pkg/helpers.go",
		NewSource:  "x",
	}})
	require.NoError(t, err)
	require.Equal(t, domain.SubmitAccepted, res.Status)

	results, err := f.eng.Results(ctx, *res.ChangesetID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "lint", results[2].StepType)
	assert.False(t, results[2].Required)
	for _, r := range results {
		assert.Equal(t, domain.ResultPending, r.Status)
	}
}

func TestEngine_SubmitAddDependency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	t.Run("accepted without file or symbol records", func(t *testing.T) {
		res, err := f.eng.ValidateAndApply(ctx, f.sess, f.ws, []domain.Change{{
			Type:       domain.ChangeAddDependency,
			SymbolName: "github.com/google/uuid",
			NewSource:  "^1.6",
		}})
		require.NoError(t, err)
		require.Equal(t, domain.SubmitAccepted, res.Status)

		files, err := f.changesets.ListFiles(ctx, *res.ChangesetID)
		require.NoError(t, err)
		assert.Empty(t, files)

		claims, err := f.changesets.ListSymbols(ctx, *res.ChangesetID)
		require.NoError(t, err)
		assert.Empty(t, claims)

		ws, err := f.workspaces.GetByID(ctx, f.ws.ID)
		require.NoError(t, err)
		assert.Zero(t, ws.SymbolsModified)
	})

	t.Run("version requirement is mandatory", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.eng.ValidateAndApply(ctx, f.sess, f.ws, []domain.Change{{
			Type:       domain.ChangeAddDependency,
			SymbolName: "github.com/google/uuid",
		}})
		require.NoError(t, err)
		require.Equal(t, domain.SubmitRejected, res.Status)
		assert.Contains(t, res.Errors[0].Message, "version requirement")
	})
}

func TestEngine_SubmitEmptyChanges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.eng.ValidateAndApply(ctx, f.sess, f.ws, nil)
	require.NoError(t, err)
	require.Equal(t, domain.SubmitRejected, res.Status)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, -1, res.Errors[0].Index)
	assert.Zero(t, f.changesets.count())
}

func TestEngine_SubmitBlockedOutsideActiveWorkspace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.ws.State = domain.WorkspaceStateSubmitted
	_, err := f.eng.ValidateAndApply(ctx, f.sess, f.ws, []domain.Change{{
		Type:       domain.ChangeAddDependency,
		SymbolName: "github.com/google/uuid",
		NewSource:  "^1.6",
	}})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestEngine_CheckIsDryRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.ov.Write(ctx, f.ws, "pkg/helpers.go", []byte("package pkg\n"))
	require.NoError(t, err)

	t.Run("clean submission reports accepted", func(t *testing.T) {
		res, err := f.eng.Check(ctx, f.ws, []domain.Change{{
			Type:       domain.ChangeAddFunction,
			SymbolName: "pkg.Helper",
			FilePath:   "pkg/helpers.go",
			NewSource:  "x",
		}})
		require.NoError(t, err)
		assert.Equal(t, domain.SubmitAccepted, res.Status)
		assert.Nil(t, res.ChangesetID)
	})

	t.Run("stale reference reports conflict", func(t *testing.T) {
		_, err := f.symbols.Rotate(ctx, "repo-1", "sym_parse_v1")
		require.NoError(t, err)

		res, err := f.eng.Check(ctx, f.ws, []domain.Change{{
			Type:        domain.ChangeModifyFunction,
			SymbolName:  "pkg.Parse",
			FilePath:    "pkg/parser.go",
			OldSymbolID: "sym_parse_v1",
			NewSource:   "x",
		}})
		require.NoError(t, err)
		assert.Equal(t, domain.SubmitConflict, res.Status)
		require.Len(t, res.Conflicts, 1)
	})

	// Probing never persists or transitions anything.
	assert.Zero(t, f.changesets.count())
	ws, err := f.workspaces.GetByID(ctx, f.ws.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkspaceStateActive, ws.State)
}

func TestEngine_GetAndResultsUnknownChangeset(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.eng.Get(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.eng.Results(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}
