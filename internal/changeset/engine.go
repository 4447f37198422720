// Package changeset validates staged symbol-level edits against the
// code graph and turns clean submissions into verification-gated
// changesets. Staleness detection is optimistic: merged modifications
// rotate symbol ids, so a change whose old_symbol_id no longer matches
// the current id lost a race to another agent.
package changeset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dkod-io/dkod-engine/internal/bus"
	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/overlay"
)

// Engine turns submissions into changesets.
type Engine struct {
	changesets domain.ChangesetRepository
	symbols    domain.SymbolRepository
	pipelines  domain.PipelineRepository
	workspaces domain.WorkspaceRepository
	overlay    *overlay.Service
	bus        *bus.Bus
}

// New creates a changeset engine.
func New(
	changesets domain.ChangesetRepository,
	symbols domain.SymbolRepository,
	pipelines domain.PipelineRepository,
	workspaces domain.WorkspaceRepository,
	ov *overlay.Service,
	eventBus *bus.Bus,
) *Engine {
	return &Engine{
		changesets: changesets,
		symbols:    symbols,
		pipelines:  pipelines,
		workspaces: workspaces,
		overlay:    ov,
		bus:        eventBus,
	}
}

// ChangeError is one structural problem with a staged change. Index is
// the change's position in the submission, -1 for submission-level
// problems.
type ChangeError struct {
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// Result is the outcome of a submission: Accepted carries the new
// changeset's id, Rejected batches every structural error, Conflict
// lists each stale symbol reference.
type Result struct {
	Status      domain.SubmitStatus     `json:"status"`
	ChangesetID *uuid.UUID              `json:"changeset_id,omitempty"`
	Errors      []ChangeError           `json:"errors,omitempty"`
	Conflicts   []domain.SymbolConflict `json:"conflicts,omitempty"`
}

// checked is the evidence gathered by one validation pass.
type checked struct {
	errors    []ChangeError
	conflicts []domain.SymbolConflict
	priors    []*domain.ChangesetSymbol        // clean prior-symbol references
	files     map[string]*domain.ChangesetFile // touched paths
	symbols   []string                         // qualified names for the event
}

// ValidateAndApply validates every change in the submission and, when
// all are clean, creates the changeset in Submitted state with its
// file records, prior-symbol claims and pipeline result snapshot. Any
// stale symbol reference yields Conflict and persists nothing: the
// caller must re-fetch context and rebuild. Structural errors yield
// Rejected, batched across the whole submission rather than
// fail-fast.
func (e *Engine) ValidateAndApply(ctx context.Context, sess *domain.Session, ws *domain.Workspace, changes []domain.Change) (*Result, error) {
	if ws.State != domain.WorkspaceStateActive {
		return nil, fmt.Errorf("changeset.ValidateAndApply: workspace is %s: %w", ws.State, domain.ErrConflict)
	}

	chk, err := e.validate(ctx, ws, changes)
	if err != nil {
		return nil, fmt.Errorf("changeset.ValidateAndApply: %w", err)
	}

	if len(chk.conflicts) > 0 {
		return &Result{Status: domain.SubmitConflict, Conflicts: chk.conflicts, Errors: chk.errors}, nil
	}
	if len(chk.errors) > 0 {
		return &Result{Status: domain.SubmitRejected, Errors: chk.errors}, nil
	}

	cs, err := e.persist(ctx, sess, ws, changes, chk)
	if err != nil {
		return nil, fmt.Errorf("changeset.ValidateAndApply: %w", err)
	}

	e.bus.Publish(domain.Event{
		Type:            domain.EventChangesetSubmitted,
		RepoID:          ws.RepoID,
		SessionID:       sess.ID.String(),
		ChangesetID:     cs.ID.String(),
		AgentID:         sess.AgentID,
		AffectedSymbols: chk.symbols,
		Details:         cs.Intent,
	})

	return &Result{Status: domain.SubmitAccepted, ChangesetID: &cs.ID}, nil
}

// Check runs the same validation as ValidateAndApply without creating
// anything; agents call it to probe for staleness before committing to
// a submission.
func (e *Engine) Check(ctx context.Context, ws *domain.Workspace, changes []domain.Change) (*Result, error) {
	chk, err := e.validate(ctx, ws, changes)
	if err != nil {
		return nil, fmt.Errorf("changeset.Check: %w", err)
	}

	switch {
	case len(chk.conflicts) > 0:
		return &Result{Status: domain.SubmitConflict, Conflicts: chk.conflicts, Errors: chk.errors}, nil
	case len(chk.errors) > 0:
		return &Result{Status: domain.SubmitRejected, Errors: chk.errors}, nil
	default:
		return &Result{Status: domain.SubmitAccepted}, nil
	}
}

// Get returns a changeset by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*domain.Changeset, error) {
	cs, err := e.changesets.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("changeset.Get: %w", err)
	}
	return cs, nil
}

// Results returns the verification result rows of a changeset in step
// order.
func (e *Engine) Results(ctx context.Context, id uuid.UUID) ([]*domain.VerificationResult, error) {
	if _, err := e.changesets.GetByID(ctx, id); err != nil {
		return nil, fmt.Errorf("changeset.Results: %w", err)
	}

	results, err := e.pipelines.ListResults(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("changeset.Results: %w", err)
	}
	return results, nil
}

func (e *Engine) validate(ctx context.Context, ws *domain.Workspace, changes []domain.Change) (*checked, error) {
	chk := &checked{files: make(map[string]*domain.ChangesetFile)}
	if len(changes) == 0 {
		chk.errors = append(chk.errors, ChangeError{Index: -1, Message: "submission carries no changes"})
		return chk, nil
	}

	batchAdds := make(map[string]int)

	for i, c := range changes {
		ok, err := e.checkShape(ctx, ws, i, c, chk)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		switch {
		case c.Type == domain.ChangeAddDependency:
			// No symbol or file resolution; the dependency index is
			// rebuilt from the manifest after merge, like new symbols.
		case c.Type.AddsSymbol():
			if err := e.checkAdd(ctx, ws, i, c, batchAdds, chk); err != nil {
				return nil, err
			}
		case c.Type.ReferencesSymbol():
			if err := e.checkPrior(ctx, ws, i, c, chk); err != nil {
				return nil, err
			}
		}
	}

	return chk, nil
}

// checkShape validates a change's structure and records its file
// entry. Returns false when the change is too malformed for symbol
// resolution to be meaningful.
func (e *Engine) checkShape(ctx context.Context, ws *domain.Workspace, i int, c domain.Change, chk *checked) (bool, error) {
	addErr := func(format string, args ...any) {
		chk.errors = append(chk.errors, ChangeError{Index: i, Message: fmt.Sprintf(format, args...)})
	}

	if !c.Type.Valid() {
		addErr("unknown change type %q", c.Type)
		return false, nil
	}
	if c.SymbolName == "" {
		addErr("symbol_name is required")
		return false, nil
	}

	if c.Type == domain.ChangeAddDependency {
		if c.NewSource == "" {
			addErr("add_dependency requires a version requirement in new_source")
			return false, nil
		}
		return true, nil
	}

	if domain.ValidateFilePath(c.FilePath) != nil {
		addErr("invalid file_path %q", c.FilePath)
		return false, nil
	}

	needsSource := c.Type.AddsSymbol() ||
		c.Type == domain.ChangeModifyFunction || c.Type == domain.ChangeModifyType
	if needsSource && c.NewSource == "" {
		addErr("new_source is required for %s", c.Type)
		return false, nil
	}

	// Deletes may target a file the overlay already tombstoned; every
	// other change must find its file in the workspace view.
	entry, err := e.overlay.Stat(ctx, ws, c.FilePath)
	switch {
	case err == nil:
		op := entry.ChangeType
		if op == "" {
			op = domain.FileModified
		}
		chk.files[c.FilePath] = &domain.ChangesetFile{
			FilePath:  c.FilePath,
			Operation: op,
			SizeBytes: entry.SizeBytes,
		}
	case errors.Is(err, domain.ErrNotFound):
		if c.Type != domain.ChangeDeleteFunction {
			addErr("file %q not present in workspace", c.FilePath)
			return false, nil
		}
		chk.files[c.FilePath] = &domain.ChangesetFile{
			FilePath:  c.FilePath,
			Operation: domain.FileDeleted,
		}
	default:
		return false, fmt.Errorf("stat %s: %w", c.FilePath, err)
	}

	return true, nil
}

// checkAdd rejects additions whose qualified name is already taken,
// either by the code graph or by an earlier change in the same batch.
func (e *Engine) checkAdd(ctx context.Context, ws *domain.Workspace, i int, c domain.Change, batchAdds map[string]int, chk *checked) error {
	if first, ok := batchAdds[c.SymbolName]; ok {
		chk.errors = append(chk.errors, ChangeError{
			Index:   i,
			Message: fmt.Sprintf("duplicate symbol %q also added by change %d", c.SymbolName, first),
		})
		return nil
	}
	batchAdds[c.SymbolName] = i

	existing, err := e.symbols.GetByQualifiedName(ctx, ws.RepoID, c.SymbolName)
	switch {
	case err == nil:
		chk.errors = append(chk.errors, ChangeError{
			Index:   i,
			Message: fmt.Sprintf("symbol %q already exists in %s (id %s)", c.SymbolName, existing.FilePath, existing.ID),
		})
		return nil
	case errors.Is(err, domain.ErrNotFound):
		chk.symbols = append(chk.symbols, c.SymbolName)
		return nil
	default:
		return fmt.Errorf("resolve %q: %w", c.SymbolName, err)
	}
}

// checkPrior resolves a Modify/Delete change's old_symbol_id. A
// current id is a clean claim; an id whose qualified name still exists
// under a different id is stale, which poisons the whole submission as
// Conflict; a name that is gone entirely is a plain not-found error.
func (e *Engine) checkPrior(ctx context.Context, ws *domain.Workspace, i int, c domain.Change, chk *checked) error {
	if c.OldSymbolID == "" {
		chk.errors = append(chk.errors, ChangeError{
			Index:   i,
			Message: fmt.Sprintf("old_symbol_id is required for %s", c.Type),
		})
		return nil
	}

	current, err := e.symbols.GetByID(ctx, ws.RepoID, c.OldSymbolID)
	switch {
	case err == nil:
		if current.QualifiedName != c.SymbolName {
			chk.errors = append(chk.errors, ChangeError{
				Index:   i,
				Message: fmt.Sprintf("old_symbol_id %s belongs to %q, not %q", c.OldSymbolID, current.QualifiedName, c.SymbolName),
			})
			return nil
		}
		chk.priors = append(chk.priors, &domain.ChangesetSymbol{
			SymbolID:      c.OldSymbolID,
			QualifiedName: current.QualifiedName,
			FilePath:      c.FilePath,
			ChangeType:    c.Type,
		})
		chk.symbols = append(chk.symbols, current.QualifiedName)
		return nil
	case errors.Is(err, domain.ErrNotFound):
	default:
		return fmt.Errorf("resolve %s: %w", c.OldSymbolID, err)
	}

	byName, err := e.symbols.GetByQualifiedName(ctx, ws.RepoID, c.SymbolName)
	switch {
	case err == nil:
		chk.conflicts = append(chk.conflicts, domain.SymbolConflict{
			SymbolID: c.OldSymbolID,
			FilePath: c.FilePath,
			Message:  fmt.Sprintf("symbol %q changed since read: id %s is no longer current (now %s)", c.SymbolName, c.OldSymbolID, byName.ID),
		})
		return nil
	case errors.Is(err, domain.ErrNotFound):
		chk.errors = append(chk.errors, ChangeError{
			Index:   i,
			Message: fmt.Sprintf("symbol %q (%s) not found", c.SymbolName, c.OldSymbolID),
		})
		return nil
	default:
		return fmt.Errorf("resolve %q: %w", c.SymbolName, err)
	}
}

// persist creates the changeset and everything submission-time owns:
// file records, prior-symbol claims, the pipeline result snapshot. The
// row is created Open and flipped to Submitted only after every
// satellite write lands, so a half-persisted submission never looks
// complete to the verifier.
func (e *Engine) persist(ctx context.Context, sess *domain.Session, ws *domain.Workspace, changes []domain.Change, chk *checked) (*domain.Changeset, error) {
	now := time.Now()
	cs := &domain.Changeset{
		ID:          uuid.New(),
		RepoID:      ws.RepoID,
		SessionID:   ws.SessionID,
		AgentID:     sess.AgentID,
		Intent:      sess.Intent,
		State:       domain.ChangesetStateOpen,
		BaseVersion: ws.BaseCommitHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.changesets.Create(ctx, cs); err != nil {
		return nil, err
	}

	for _, f := range chk.files {
		f.ChangesetID = cs.ID
		if err := e.changesets.RecordFile(ctx, f); err != nil {
			return nil, err
		}
	}

	for _, p := range chk.priors {
		p.ChangesetID = cs.ID
		if err := e.changesets.RecordSymbol(ctx, p); err != nil {
			return nil, err
		}
	}

	steps, err := e.pipelines.ListSteps(ctx, ws.RepoID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		steps = domain.DefaultPipeline(ws.RepoID)
	}
	if err := e.pipelines.InitResults(ctx, cs.ID, steps); err != nil {
		return nil, err
	}

	if err := e.changesets.UpdateStateIf(ctx, cs.ID, []domain.ChangesetState{domain.ChangesetStateOpen}, domain.ChangesetStateSubmitted); err != nil {
		return nil, err
	}
	cs.State = domain.ChangesetStateSubmitted

	if err := e.workspaces.UpdateState(ctx, ws.ID, domain.WorkspaceStateSubmitted); err != nil {
		return nil, err
	}
	ws.State = domain.WorkspaceStateSubmitted

	symbolTouches := 0
	for _, c := range changes {
		if c.Type != domain.ChangeAddDependency {
			symbolTouches++
		}
	}
	if symbolTouches > 0 {
		if err := e.workspaces.AddSymbolsModified(ctx, ws.ID, symbolTouches); err != nil {
			return nil, err
		}
	}

	return cs, nil
}
