// Package settings keeps versioned configuration categories. Every write
// appends a history row with a structural diff, rollback re-applies an
// older snapshot as a fresh version, and versions per category are strictly
// monotone.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrVersionNotFound is returned for unknown categories or versions.
var ErrVersionNotFound = errors.New("settings version not found")

// Record is one settings version.
type Record struct {
	Category     string
	Version      int
	Snapshot     json.RawMessage
	Changes      json.RawMessage
	Actor        string
	ActorType    string
	ChangeReason string
	ChangeSource string
	CreatedAt    time.Time
}

// Actor identifies who is writing and why.
type Actor struct {
	ID     string
	Type   string // admin, system, rollback
	Reason string
	Source string // api, migration, rollback
}

// repository is the persistence seam: the live row per category plus the
// append-only history.
type repository interface {
	current(ctx context.Context, category string) (Record, error)
	version(ctx context.Context, category string, version int) (Record, error)
	apply(ctx context.Context, rec Record) error
	history(ctx context.Context, category string, limit, beforeVersion int) ([]Record, error)
}

// EventFunc observes settings lifecycle events (rollback_started,
// rollback_completed, rollback_failed, version_written).
type EventFunc func(event, category string, version int)

// Store is the settings versioning facade.
type Store struct {
	repo    repository
	log     *slog.Logger
	onEvent EventFunc
	now     func() time.Time
}

// NewStore creates a store over the given repository. A nil onEvent is
// replaced with a no-op.
func NewStore(repo repository, log *slog.Logger, onEvent EventFunc) *Store {
	if log == nil {
		log = slog.Default()
	}
	if onEvent == nil {
		onEvent = func(string, string, int) {}
	}
	return &Store{repo: repo, log: log, onEvent: onEvent, now: time.Now}
}

// Current returns the live version of a category.
func (s *Store) Current(ctx context.Context, category string) (Record, error) {
	return s.repo.current(ctx, category)
}

// Version returns one historical version.
func (s *Store) Version(ctx context.Context, category string, version int) (Record, error) {
	return s.repo.version(ctx, category, version)
}

// History lists versions of a category, newest first. beforeVersion 0 means
// from the latest.
func (s *Store) History(ctx context.Context, category string, limit, beforeVersion int) ([]Record, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.history(ctx, category, limit, beforeVersion)
}

// WriteVersion appends a new version: the diff against the current snapshot
// is computed, the history row and the live row are written in one atomic
// batch. An unchanged snapshot still writes a version; its history entry
// records an empty change set. Rollback depends on that: rolling back to a
// version whose snapshot matches the live one must still advance the
// version counter.
func (s *Store) WriteVersion(ctx context.Context, category string, snapshot json.RawMessage, actor Actor) (Record, error) {
	cur, err := s.repo.current(ctx, category)
	if err != nil && !errors.Is(err, ErrVersionNotFound) {
		return Record{}, err
	}

	changes, err := Diff(cur.Snapshot, snapshot)
	if err != nil {
		return Record{}, err
	}
	changesJSON, err := json.Marshal(changes)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		Category:     category,
		Version:      cur.Version + 1,
		Snapshot:     snapshot,
		Changes:      changesJSON,
		Actor:        actor.ID,
		ActorType:    actor.Type,
		ChangeReason: actor.Reason,
		ChangeSource: actor.Source,
		CreatedAt:    s.now(),
	}
	if err := s.repo.apply(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("failed to write %s version %d: %w", category, rec.Version, err)
	}

	s.log.Info("settings version written",
		"category", category,
		"version", rec.Version,
		"actor", actor.ID,
		"changes", len(changes))
	s.onEvent("version_written", category, rec.Version)
	return rec, nil
}

// Rollback re-applies the snapshot of targetVersion as a brand new version
// current+1. The target itself is untouched; history stays append-only.
func (s *Store) Rollback(ctx context.Context, category string, targetVersion int, actor Actor) (Record, error) {
	s.log.Info("rollback started", "category", category, "target_version", targetVersion)
	s.onEvent("rollback_started", category, targetVersion)

	target, err := s.repo.version(ctx, category, targetVersion)
	if err != nil {
		s.log.Error("rollback failed", "category", category, "target_version", targetVersion, "error", err)
		s.onEvent("rollback_failed", category, targetVersion)
		return Record{}, err
	}

	actor.Type = "rollback"
	actor.Source = "rollback"
	if actor.Reason == "" {
		actor.Reason = fmt.Sprintf("rollback to version %d", targetVersion)
	}

	rec, err := s.WriteVersion(ctx, category, target.Snapshot, actor)
	if err != nil {
		s.log.Error("rollback failed", "category", category, "target_version", targetVersion, "error", err)
		s.onEvent("rollback_failed", category, targetVersion)
		return Record{}, err
	}

	s.log.Info("rollback completed", "category", category, "target_version", targetVersion, "new_version", rec.Version)
	s.onEvent("rollback_completed", category, rec.Version)
	return rec, nil
}

// Compare returns the structural diff between two stored versions.
func (s *Store) Compare(ctx context.Context, category string, fromVersion, toVersion int) ([]Change, error) {
	from, err := s.repo.version(ctx, category, fromVersion)
	if err != nil {
		return nil, err
	}
	to, err := s.repo.version(ctx, category, toVersion)
	if err != nil {
		return nil, err
	}
	return Diff(from.Snapshot, to.Snapshot)
}
