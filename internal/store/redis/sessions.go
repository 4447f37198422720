// Package redis backs the fast, transient side of the engine: live
// agent sessions and the snapshots idle sessions collapse into.
// Workspaces and changesets live in PostgreSQL; a session that is lost
// here costs an agent a reconnect, never merged work.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/retry"
)

// Sessions implements domain.SessionStore on Redis.
type Sessions struct {
	client *redis.Client
	retry  retry.Config
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, addr, password string, db int) (*Sessions, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.New: ping: %w", err)
	}

	return &Sessions{client: client, retry: retry.Defaults()}, nil
}

// do replays an idempotent command through the retry budget. At-most-
// once commands (SETNX, counted DEL, GETDEL) never go through here: a
// replay after an ambiguous failure would turn an applied write into a
// false conflict or a false miss.
func (s *Sessions) do(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, s.retry, transientReply, fn)
}

// transientReply treats every command failure as retriable except a
// redis.Nil reply, which is a definitive miss.
func transientReply(err error) bool {
	return !errors.Is(err, redis.Nil)
}

func (s *Sessions) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("redis.Sessions.Close: %w", err)
	}
	return nil
}

// Create stores a new session, refusing to overwrite an existing one.
// Sessions carry no TTL: the idle sweep is the only reaper, so every
// idle session gets its snapshot written before the key disappears.
func (s *Sessions) Create(ctx context.Context, session *domain.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("redis.Sessions.Create: marshal: %w", err)
	}

	ok, err := s.client.SetNX(ctx, SessionKey(session.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("redis.Sessions.Create: %w", err)
	}
	if !ok {
		return fmt.Errorf("redis.Sessions.Create: session %s exists: %w", session.ID, domain.ErrConflict)
	}
	return nil
}

func (s *Sessions) Get(ctx context.Context, id uuid.UUID) (*domain.Session, error) {
	var payload []byte
	err := s.do(ctx, func(ctx context.Context) error {
		var err error
		payload, err = s.client.Get(ctx, SessionKey(id)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis.Sessions.Get: session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis.Sessions.Get: %w", err)
	}

	var session domain.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("redis.Sessions.Get: unmarshal: %w", err)
	}
	return &session, nil
}

// Save overwrites an existing session (used for activity touches).
func (s *Sessions) Save(ctx context.Context, session *domain.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("redis.Sessions.Save: marshal: %w", err)
	}

	err = s.do(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, SessionKey(session.ID), payload, 0).Err()
	})
	if err != nil {
		return fmt.Errorf("redis.Sessions.Save: %w", err)
	}
	return nil
}

func (s *Sessions) Delete(ctx context.Context, id uuid.UUID) error {
	deleted, err := s.client.Del(ctx, SessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("redis.Sessions.Delete: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("redis.Sessions.Delete: session %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// List returns every live session. The sweep walks this to find idle
// sessions; session counts are small (one per connected agent), so a
// SCAN plus MGET is fine.
func (s *Sessions) List(ctx context.Context) ([]*domain.Session, error) {
	var keys []string
	err := s.do(ctx, func(ctx context.Context) error {
		keys = keys[:0]
		iter := s.client.Scan(ctx, 0, sessionPrefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("redis.Sessions.List: scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	var values []interface{}
	err = s.do(ctx, func(ctx context.Context) error {
		var err error
		values, err = s.client.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("redis.Sessions.List: mget: %w", err)
	}

	sessions := make([]*domain.Session, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Key expired between SCAN and MGET.
			continue
		}
		var session domain.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			return nil, fmt.Errorf("redis.Sessions.List: unmarshal: %w", err)
		}
		sessions = append(sessions, &session)
	}
	return sessions, nil
}

// PutSnapshot stores a resumable snapshot with the given TTL.
func (s *Sessions) PutSnapshot(ctx context.Context, id uuid.UUID, snap *domain.SessionSnapshot, ttl time.Duration) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis.Sessions.PutSnapshot: marshal: %w", err)
	}

	err = s.do(ctx, func(ctx context.Context) error {
		return s.client.Set(ctx, SnapshotKey(id), payload, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis.Sessions.PutSnapshot: %w", err)
	}
	return nil
}

// TakeSnapshot atomically removes and returns a snapshot. GETDEL makes
// resume exactly-once: two racing resumes cannot both win.
func (s *Sessions) TakeSnapshot(ctx context.Context, id uuid.UUID) (*domain.SessionSnapshot, error) {
	payload, err := s.client.GetDel(ctx, SnapshotKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis.Sessions.TakeSnapshot: snapshot %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis.Sessions.TakeSnapshot: %w", err)
	}

	var snap domain.SessionSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("redis.Sessions.TakeSnapshot: unmarshal: %w", err)
	}
	return &snap, nil
}

const (
	sessionPrefix  = "dkod:session:"
	snapshotPrefix = "dkod:snapshot:"
)

// SessionKey returns the Redis key for a live session.
func SessionKey(id uuid.UUID) string {
	return sessionPrefix + id.String()
}

// SnapshotKey returns the Redis key for a resumable session snapshot.
func SnapshotKey(id uuid.UUID) string {
	return snapshotPrefix + id.String()
}
