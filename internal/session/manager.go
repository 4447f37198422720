// Package session tracks agent sessions and owns workspace lifecycle.
// Connect forks a workspace at the repo's current head; an idle sweep
// destroys stale sessions into single-use snapshots; resume consumes a
// snapshot to seed a fresh connect.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkod-io/dkod-engine/internal/bus"
	"github.com/dkod-io/dkod-engine/internal/config"
	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/gitstore"
	"github.com/dkod-io/dkod-engine/internal/overlay"
)

// Manager owns session and workspace lifecycle.
type Manager struct {
	sessions   domain.SessionStore
	workspaces domain.WorkspaceRepository
	git        gitstore.Store
	overlay    *overlay.Service
	bus        *bus.Bus

	idleTimeout   time.Duration
	snapshotTTL   time.Duration
	sweepInterval time.Duration
}

// New creates a session manager.
func New(
	sessions domain.SessionStore,
	workspaces domain.WorkspaceRepository,
	git gitstore.Store,
	ov *overlay.Service,
	eventBus *bus.Bus,
	cfg config.SessionConfig,
) *Manager {
	return &Manager{
		sessions:      sessions,
		workspaces:    workspaces,
		git:           git,
		overlay:       ov,
		bus:           eventBus,
		idleTimeout:   cfg.IdleTimeout,
		snapshotTTL:   cfg.SnapshotTTL,
		sweepInterval: cfg.SweepInterval,
	}
}

// ConnectParams describes a connect request. ResumeID, when set, asks
// to consume the snapshot of a previously expired session.
type ConnectParams struct {
	AgentID  string
	Codebase string
	Intent   string
	Mode     domain.WorkspaceMode
	ResumeID *uuid.UUID
}

// ConnectResult is a live session with its freshly forked workspace.
type ConnectResult struct {
	Session   *domain.Session
	Workspace *domain.Workspace
	Resumed   bool
}

// Connect creates a session and forks its workspace at the codebase's
// current head. When ResumeID names an unconsumed snapshot owned by
// the same agent, the snapshot's intent and codebase seed the request
// and the snapshot is gone afterwards; an absent snapshot degrades to
// a fresh connect.
func (m *Manager) Connect(ctx context.Context, p ConnectParams) (*ConnectResult, error) {
	resumedFrom := uuid.Nil
	if p.ResumeID != nil {
		snap, err := m.sessions.TakeSnapshot(ctx, *p.ResumeID)
		switch {
		case err == nil:
			if snap.AgentID != p.AgentID {
				// Put the snapshot back so the owner can still resume.
				// Its TTL restarts, which is harmless.
				if putErr := m.sessions.PutSnapshot(ctx, *p.ResumeID, snap, m.snapshotTTL); putErr != nil {
					log.Error().Err(putErr).Str("session_id", p.ResumeID.String()).Msg("restore snapshot after ownership mismatch")
				}
				return nil, fmt.Errorf("session.Connect: snapshot belongs to another agent: %w", domain.ErrForbidden)
			}
			resumedFrom = *p.ResumeID
			if p.Intent == "" {
				p.Intent = snap.Intent
			}
			if p.Codebase == "" {
				p.Codebase = snap.Codebase
			}
		case errors.Is(err, domain.ErrNotFound):
			// Consumed or expired: proceed as a fresh connect.
		default:
			return nil, fmt.Errorf("session.Connect: %w", err)
		}
	}

	head, err := m.git.Head(ctx, p.Codebase)
	if err != nil {
		return nil, fmt.Errorf("session.Connect: %w", err)
	}

	mode := p.Mode
	if mode == "" {
		mode = domain.WorkspaceModeEphemeral
	}

	now := time.Now()
	sess := &domain.Session{
		ID:              uuid.New(),
		AgentID:         p.AgentID,
		Codebase:        p.Codebase,
		Intent:          p.Intent,
		CodebaseVersion: head,
		CreatedAt:       now,
		LastActive:      now,
	}

	if err := m.sessions.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("session.Connect: %w", err)
	}

	ws := &domain.Workspace{
		ID:             uuid.New(),
		SessionID:      sess.ID,
		RepoID:         p.Codebase,
		BaseCommitHash: head,
		Mode:           mode,
		State:          domain.WorkspaceStateActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := m.workspaces.Create(ctx, ws); err != nil {
		return nil, fmt.Errorf("session.Connect: %w", err)
	}

	ev := domain.Event{
		Type:      domain.EventSessionCreated,
		RepoID:    sess.Codebase,
		SessionID: sess.ID.String(),
		AgentID:   sess.AgentID,
	}
	if resumedFrom != uuid.Nil {
		ev.Type = domain.EventSessionResumed
		ev.Details = "resumed from " + resumedFrom.String()
	}
	m.bus.Publish(ev)

	return &ConnectResult{
		Session:   sess,
		Workspace: ws,
		Resumed:   resumedFrom != uuid.Nil,
	}, nil
}

// Get returns a live session. Sessions idle past the timeout read as
// absent even before the sweeper reaps them.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	sess, err := m.sessions.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session.Get: %w", err)
	}

	if sess.IdleSince(time.Now(), m.idleTimeout) {
		return nil, fmt.Errorf("session.Get: idle past timeout: %w", domain.ErrNotFound)
	}

	return sess, nil
}

// Touch refreshes a session's activity clock. Returns false when the
// session is absent or already idle past the timeout.
func (m *Manager) Touch(ctx context.Context, id uuid.UUID) (bool, error) {
	sess, err := m.sessions.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session.Touch: %w", err)
	}

	if sess.IdleSince(time.Now(), m.idleTimeout) {
		return false, nil
	}

	sess.LastActive = time.Now()
	if err := m.sessions.Save(ctx, sess); err != nil {
		return false, fmt.Errorf("session.Touch: %w", err)
	}

	return true, nil
}

// Workspace returns the session's current workspace.
func (m *Manager) Workspace(ctx context.Context, sessionID uuid.UUID) (*domain.Workspace, error) {
	ws, err := m.workspaces.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session.Workspace: %w", err)
	}

	return ws, nil
}

// Close ends a session deliberately: no snapshot is taken. An Active
// Ephemeral workspace is abandoned; a Persistent one stays Active for
// a later resume, and a Submitted one is left to the changeset
// lifecycle, which still owns its verdict.
func (m *Manager) Close(ctx context.Context, id uuid.UUID) error {
	sess, err := m.sessions.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("session.Close: %w", err)
	}

	if err := m.releaseWorkspace(ctx, sess, domain.WorkspaceStateAbandoned); err != nil {
		return fmt.Errorf("session.Close: %w", err)
	}

	if err := m.sessions.Delete(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("session.Close: %w", err)
	}

	return nil
}

// ExpireSweep snapshots and removes every session idle past the
// timeout, returning how many it reaped. Two back-to-back sweeps leave
// the same live-session set: reaped sessions are gone from the store,
// so the second pass finds nothing new.
func (m *Manager) ExpireSweep(ctx context.Context) (int, error) {
	live, err := m.sessions.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("session.ExpireSweep: %w", err)
	}

	now := time.Now()
	reaped := 0
	for _, sess := range live {
		if !sess.IdleSince(now, m.idleTimeout) {
			continue
		}

		if err := m.expireOne(ctx, sess, now); err != nil {
			log.Error().Err(err).Str("session_id", sess.ID.String()).Msg("expire session")
			continue
		}
		reaped++
	}

	return reaped, nil
}

// expireOne snapshots the session, releases its workspace and deletes
// the session record, in that order so a crash between steps is
// retried by the next sweep.
func (m *Manager) expireOne(ctx context.Context, sess *domain.Session, now time.Time) error {
	snap := &domain.SessionSnapshot{
		AgentID:         sess.AgentID,
		Codebase:        sess.Codebase,
		Intent:          sess.Intent,
		CodebaseVersion: sess.CodebaseVersion,
		ExpiredAt:       now,
	}

	if err := m.sessions.PutSnapshot(ctx, sess.ID, snap, m.snapshotTTL); err != nil {
		return fmt.Errorf("session.expireOne: %w", err)
	}

	if err := m.releaseWorkspace(ctx, sess, domain.WorkspaceStateExpired); err != nil {
		return fmt.Errorf("session.expireOne: %w", err)
	}

	if err := m.sessions.Delete(ctx, sess.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("session.expireOne: %w", err)
	}

	m.bus.Publish(domain.Event{
		Type:      domain.EventSessionExpired,
		RepoID:    sess.Codebase,
		SessionID: sess.ID.String(),
		AgentID:   sess.AgentID,
	})

	return nil
}

// releaseWorkspace moves the session's Active Ephemeral workspace into
// the given terminal state and drops its spilled blobs. Persistent
// workspaces stay Active so a resumed session picks them back up, and
// Submitted workspaces are left alone: their changeset is
// mid-verification and merge or rejection decides their fate.
func (m *Manager) releaseWorkspace(ctx context.Context, sess *domain.Session, to domain.WorkspaceState) error {
	ws, err := m.workspaces.GetBySessionID(ctx, sess.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return nil
	case err != nil:
		return err
	}

	if ws.State != domain.WorkspaceStateActive {
		return nil
	}
	if ws.Mode != domain.WorkspaceModeEphemeral {
		return nil
	}

	if err := m.workspaces.UpdateState(ctx, ws.ID, to); err != nil {
		return err
	}

	if err := m.overlay.ClearSpill(ctx, ws); err != nil {
		log.Warn().Err(err).Str("workspace_id", ws.ID.String()).Msg("clear spilled overlay blobs")
	}

	return nil
}

// StartSweeper runs expire sweeps on a fixed interval until the
// context is cancelled. It blocks; run it on its own goroutine.
func (m *Manager) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped, err := m.ExpireSweep(ctx); err != nil {
				log.Error().Err(err).Msg("session sweep")
			} else if reaped > 0 {
				log.Info().Int("reaped", reaped).Msg("session sweep")
			}
		}
	}
}
