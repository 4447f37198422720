// Package merge lands approved changesets in the commit store. The
// commit write is a compare-and-swap on the branch head; when the head
// has moved past the changeset's base, every claimed symbol id is
// re-checked against the graph before the write is retried, so a
// competing merge surfaces as a conflict instead of being overwritten.
package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkod-io/dkod-engine/internal/bus"
	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/gitstore"
	"github.com/dkod-io/dkod-engine/internal/overlay"
)

// maxAttempts bounds how often one merge chases a moving head before
// giving up and leaving the changeset Approved for a later retry.
const maxAttempts = 3

// ConflictError reports the stale symbol claims that blocked a merge.
// These conflicts appear only at merge time: the changeset validated
// cleanly at submission, then a competing changeset touching the same
// symbols merged first.
type ConflictError struct {
	ChangesetID uuid.UUID
	Conflicts   []domain.SymbolConflict
	CausedBy    []*domain.ConflictingChangeset
}

func (e *ConflictError) Error() string {
	ids := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		ids = append(ids, c.SymbolID)
	}
	return fmt.Sprintf("merge: changeset %s: stale symbols at merge time: %s",
		e.ChangesetID, strings.Join(ids, ", "))
}

func (e *ConflictError) Unwrap() error { return domain.ErrConflict }

// Coordinator turns an Approved changeset into a commit. It owns the
// swap half of the symbol-id compare-and-swap: ids claimed as modified
// rotate, ids claimed as deleted leave the graph, and both happen only
// after the commit write has landed.
type Coordinator struct {
	changesets domain.ChangesetRepository
	workspaces domain.WorkspaceRepository
	symbols    domain.SymbolRepository
	overlays   domain.OverlayRepository
	files      *overlay.Service
	git        gitstore.Store
	bus        *bus.Bus

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewCoordinator(
	changesets domain.ChangesetRepository,
	workspaces domain.WorkspaceRepository,
	symbols domain.SymbolRepository,
	overlays domain.OverlayRepository,
	files *overlay.Service,
	git gitstore.Store,
	b *bus.Bus,
) *Coordinator {
	return &Coordinator{
		changesets: changesets,
		workspaces: workspaces,
		symbols:    symbols,
		overlays:   overlays,
		files:      files,
		git:        git,
		bus:        b,
		locks:      make(map[string]*sync.Mutex),
	}
}

// MergeApproved implements the verification runner's approval hook. A
// merge-time conflict is a handled outcome here, not a failure: the
// changeset has been demoted and the rejection published, so there is
// nothing left for the runner to retry.
func (c *Coordinator) MergeApproved(ctx context.Context, changesetID uuid.UUID) error {
	_, err := c.Merge(ctx, changesetID)

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return nil
	}
	return err
}

// Merge applies an Approved changeset's overlay to the commit store and
// advances the codebase version. The first write targets the
// changeset's own base version; if the head has moved since, the
// claimed symbol ids are re-validated against the current graph and the
// write retried against the new head. A claim found stale at this point
// demotes the changeset to Rejected and returns a *ConflictError.
// Exhausting the retry budget leaves the changeset Approved and returns
// ErrConflict so the merge can be retried.
func (c *Coordinator) Merge(ctx context.Context, changesetID uuid.UUID) (*domain.Changeset, error) {
	cs, err := c.changesets.GetByID(ctx, changesetID)
	if err != nil {
		return nil, fmt.Errorf("merge.Coordinator.Merge: %w", err)
	}
	if cs.State != domain.ChangesetStateApproved {
		return nil, fmt.Errorf("merge.Coordinator.Merge: changeset %s is %s, not %s: %w",
			cs.ID, cs.State, domain.ChangesetStateApproved, domain.ErrConflict)
	}

	// Merges to the same repo serialize so the commit write and the
	// symbol-id swap land as one step from other mergers' point of view.
	lock := c.repoLock(cs.RepoID)
	lock.Lock()
	defer lock.Unlock()

	ws, err := c.workspaces.GetBySessionID(ctx, cs.SessionID)
	if err != nil {
		return nil, fmt.Errorf("merge.Coordinator.Merge: workspace: %w", err)
	}
	claims, err := c.changesets.ListSymbols(ctx, cs.ID)
	if err != nil {
		return nil, fmt.Errorf("merge.Coordinator.Merge: claims: %w", err)
	}
	ops, err := c.fileOps(ctx, ws)
	if err != nil {
		return nil, fmt.Errorf("merge.Coordinator.Merge: %w", err)
	}

	base := cs.BaseVersion
	for attempt := 1; ; attempt++ {
		newVersion, err := c.git.WriteCommit(ctx, cs.RepoID, base, ops)
		if err == nil {
			return c.finalize(ctx, cs, ws, claims, newVersion, base == cs.BaseVersion)
		}
		if !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("merge.Coordinator.Merge: %w", err)
		}

		// The head moved past our base. Re-check every claimed symbol
		// id against the current graph before trying again: skipping
		// this is what would let the competing merge be overwritten.
		stale, err := c.staleClaims(ctx, cs.RepoID, claims)
		if err != nil {
			return nil, fmt.Errorf("merge.Coordinator.Merge: %w", err)
		}
		if len(stale) > 0 {
			return nil, c.demote(ctx, cs, ws, stale)
		}
		if attempt >= maxAttempts {
			return nil, fmt.Errorf("merge.Coordinator.Merge: head of %s moved %d times during merge: %w",
				cs.RepoID, attempt, domain.ErrConflict)
		}

		base, err = c.git.Head(ctx, cs.RepoID)
		if err != nil {
			return nil, fmt.Errorf("merge.Coordinator.Merge: %w", err)
		}
		log.Warn().
			Str("changeset_id", cs.ID.String()).
			Str("repo_id", cs.RepoID).
			Str("new_head", base).
			Int("attempt", attempt).
			Msg("head moved during merge, claims still current, retrying")
	}
}

// fileOps flattens the workspace overlay into commit operations.
// Tombstones become deletions; spilled entries are resolved back from
// the object store.
func (c *Coordinator) fileOps(ctx context.Context, ws *domain.Workspace) ([]gitstore.FileOp, error) {
	entries, err := c.overlays.ListAll(ctx, ws.ID)
	if err != nil {
		return nil, fmt.Errorf("overlay: %w", err)
	}

	ops := make([]gitstore.FileOp, 0, len(entries))
	for _, entry := range entries {
		if entry.ChangeType == domain.FileDeleted {
			ops = append(ops, gitstore.FileOp{Path: entry.FilePath, Delete: true})
			continue
		}
		content, err := c.files.Resolve(ctx, entry)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", entry.FilePath, err)
		}
		ops = append(ops, gitstore.FileOp{Path: entry.FilePath, Content: content})
	}
	return ops, nil
}

// staleClaims returns the subset of claims whose symbol id is no longer
// current. Ids rotate on merge and vanish on delete, so a failed lookup
// means another changeset touched the symbol after this one validated.
func (c *Coordinator) staleClaims(ctx context.Context, repoID string, claims []*domain.ChangesetSymbol) ([]*domain.ChangesetSymbol, error) {
	var stale []*domain.ChangesetSymbol
	for _, claim := range claims {
		_, err := c.symbols.GetByID(ctx, repoID, claim.SymbolID)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrNotFound):
			stale = append(stale, claim)
		default:
			return nil, fmt.Errorf("recheck %s: %w", claim.QualifiedName, err)
		}
	}
	return stale, nil
}

// demote rejects a changeset whose claims went stale between approval
// and merge. The workspace goes back to Active so the agent can re-read
// the moved symbols and resubmit.
func (c *Coordinator) demote(ctx context.Context, cs *domain.Changeset, ws *domain.Workspace, stale []*domain.ChangesetSymbol) error {
	if err := c.changesets.UpdateStateIf(ctx, cs.ID,
		[]domain.ChangesetState{domain.ChangesetStateApproved}, domain.ChangesetStateRejected); err != nil {
		return fmt.Errorf("merge.Coordinator.Merge: demote: %w", err)
	}
	cs.State = domain.ChangesetStateRejected

	if err := c.workspaces.UpdateState(ctx, ws.ID, domain.WorkspaceStateActive); err != nil {
		log.Error().Err(err).
			Str("workspace_id", ws.ID.String()).
			Msg("workspace putback after merge conflict failed")
	}

	causedBy, err := c.changesets.FindConflicting(ctx, cs.RepoID, cs.ID, cs.BaseVersion)
	if err != nil {
		log.Error().Err(err).
			Str("changeset_id", cs.ID.String()).
			Msg("conflict attribution failed")
		causedBy = nil
	}
	culprits := make(map[string]uuid.UUID)
	for _, cc := range causedBy {
		for _, name := range cc.QualifiedNames {
			culprits[name] = cc.ChangesetID
		}
	}

	conflicts := make([]domain.SymbolConflict, 0, len(stale))
	names := make([]string, 0, len(stale))
	for _, claim := range stale {
		msg := fmt.Sprintf("symbol %q changed under a merge that landed first", claim.QualifiedName)
		if id, ok := culprits[claim.QualifiedName]; ok {
			msg = fmt.Sprintf("symbol %q was merged by changeset %s after this one was validated",
				claim.QualifiedName, id)
		}
		conflicts = append(conflicts, domain.SymbolConflict{
			SymbolID: claim.SymbolID,
			FilePath: claim.FilePath,
			Message:  msg,
		})
		names = append(names, claim.QualifiedName)
	}

	c.publish(cs, domain.EventChangesetRejected, "merge conflict: "+strings.Join(names, ", "), names)

	log.Warn().
		Str("changeset_id", cs.ID.String()).
		Str("repo_id", cs.RepoID).
		Strs("symbols", names).
		Msg("changeset rejected at merge time")

	return &ConflictError{ChangesetID: cs.ID, Conflicts: conflicts, CausedBy: causedBy}
}

// finalize runs after the commit write landed: the graph swap, the
// merge stamp, the workspace close, the event. The commit itself is the
// point of no return, so per-symbol swap failures are logged and
// skipped rather than unwinding history.
func (c *Coordinator) finalize(ctx context.Context, cs *domain.Changeset, ws *domain.Workspace, claims []*domain.ChangesetSymbol, newVersion string, fastPath bool) (*domain.Changeset, error) {
	affected := make([]string, 0, len(claims))
	for _, claim := range claims {
		affected = append(affected, claim.QualifiedName)

		switch {
		case claim.ChangeType == domain.ChangeDeleteFunction:
			err := c.symbols.Delete(ctx, cs.RepoID, claim.SymbolID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				log.Error().Err(err).
					Str("symbol_id", claim.SymbolID).
					Msg("symbol delete after merge failed")
			}
		case claim.ChangeType.ReferencesSymbol():
			if _, err := c.symbols.Rotate(ctx, cs.RepoID, claim.SymbolID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				log.Error().Err(err).
					Str("symbol_id", claim.SymbolID).
					Msg("symbol rotation after merge failed")
			}
		}
	}

	if err := c.changesets.SetMerged(ctx, cs.ID, newVersion); err != nil {
		return nil, fmt.Errorf("merge.Coordinator.Merge: %w", err)
	}
	now := time.Now()
	cs.State = domain.ChangesetStateMerged
	cs.MergedVersion = &newVersion
	cs.MergedAt = &now

	if err := c.workspaces.UpdateState(ctx, ws.ID, domain.WorkspaceStateMerged); err != nil {
		log.Error().Err(err).
			Str("workspace_id", ws.ID.String()).
			Msg("workspace close after merge failed")
	}

	details := "fast-merged as " + newVersion
	if !fastPath {
		details = "merged as " + newVersion + " after head moved"
	}
	c.publish(cs, domain.EventChangesetMerged, details, affected)

	log.Info().
		Str("changeset_id", cs.ID.String()).
		Str("repo_id", cs.RepoID).
		Str("merged_version", newVersion).
		Int("symbols", len(claims)).
		Msg("changeset merged")

	return cs, nil
}

func (c *Coordinator) publish(cs *domain.Changeset, eventType, details string, symbols []string) {
	c.bus.Publish(domain.Event{
		Type:            eventType,
		RepoID:          cs.RepoID,
		SessionID:       cs.SessionID.String(),
		ChangesetID:     cs.ID.String(),
		AgentID:         cs.AgentID,
		AffectedSymbols: symbols,
		Details:         details,
	})
}

func (c *Coordinator) repoLock(repoID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	lock, ok := c.locks[repoID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[repoID] = lock
	}
	return lock
}
