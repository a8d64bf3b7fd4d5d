package partition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/keyfold/keyfold/internal/storage"
)

// PII lifecycle states on users_core.
const (
	PIIStatusNone    = "none"
	PIIStatusPending = "pending"
	PIIStatusActive  = "active"
	PIIStatusFailed  = "failed"
	PIIStatusDeleted = "deleted"
)

// UserRecord is a new user's core identity plus PII fields.
type UserRecord struct {
	UserID            string
	TenantID          string
	UserType          string
	Email             string
	Name              string
	PreferredUsername string
	Phone             string
	Address           json.RawMessage
	CustomAttrs       json.RawMessage
}

// Writer runs the two-phase PII write protocol: the core row is inserted as
// pending, the PII row lands in its partition, then the status flips to
// active. On PII failure the core row stays (pending or failed) for retry;
// it is never rolled back.
type Writer struct {
	parts *storage.Partitions
	log   *slog.Logger
}

// NewWriter creates the PII writer.
func NewWriter(parts *storage.Partitions, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	return &Writer{parts: parts, log: log}
}

// CreateUser inserts the user under the routed partition.
func (w *Writer) CreateUser(ctx context.Context, user UserRecord, dec Decision) error {
	_, err := w.parts.Core().Execute(ctx, `
		INSERT INTO users_core (tenant_id, user_id, is_active, user_type, pii_partition, pii_status, created_at, updated_at)
		VALUES ($1, $2, TRUE, $3, $4, $5, NOW(), NOW())`,
		user.TenantID, user.UserID, user.UserType, dec.Partition, PIIStatusPending)
	if err != nil {
		return fmt.Errorf("core insert for user %s: %w", user.UserID, err)
	}

	if err := w.writePII(ctx, user, dec.Partition); err != nil {
		w.markStatus(ctx, user.UserID, PIIStatusFailed)
		w.log.Error("pii write failed, user left for retry",
			"user_id", user.UserID,
			"partition", dec.Partition,
			"method", dec.Method,
			"error", err)
		return fmt.Errorf("pii write for user %s: %w", user.UserID, err)
	}

	w.markStatus(ctx, user.UserID, PIIStatusActive)
	w.log.Info("user created",
		"user_id", user.UserID,
		"tenant_id", user.TenantID,
		"partition", dec.Partition,
		"method", dec.Method)
	return nil
}

// RetryPII re-runs the PII phase for a pending or failed user.
func (w *Writer) RetryPII(ctx context.Context, user UserRecord) error {
	name, err := w.LookupPartition(ctx, user.UserID)
	if err != nil {
		return err
	}
	if err := w.writePII(ctx, user, name); err != nil {
		w.markStatus(ctx, user.UserID, PIIStatusFailed)
		return err
	}
	w.markStatus(ctx, user.UserID, PIIStatusActive)
	return nil
}

// EraseUser implements GDPR erasure: the PII row is deleted, a tombstone is
// kept in core, and the status moves to deleted.
func (w *Writer) EraseUser(ctx context.Context, userID string) error {
	name, err := w.LookupPartition(ctx, userID)
	if err != nil {
		return err
	}
	adapter, err := w.parts.PII(name)
	if err != nil {
		return err
	}

	if _, err := adapter.Execute(ctx, `DELETE FROM users_pii WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("pii delete for user %s: %w", userID, err)
	}

	_, err = w.parts.Core().Batch(ctx, []storage.Statement{
		{SQL: `INSERT INTO tombstones (user_id, partition, erased_at) VALUES ($1, $2, NOW())`,
			Args: []any{userID, name}},
		{SQL: `UPDATE users_core SET pii_status = $2, updated_at = NOW() WHERE user_id = $1`,
			Args: []any{userID, PIIStatusDeleted}},
	})
	if err != nil {
		return fmt.Errorf("tombstone for user %s: %w", userID, err)
	}

	w.log.Info("user erased", "user_id", userID, "partition", name)
	return nil
}

// LookupPartition reads the partition of an existing user, falling back to
// "default" when the column is empty.
func (w *Writer) LookupPartition(ctx context.Context, userID string) (string, error) {
	var name *string
	err := w.parts.Core().QueryRow(ctx,
		`SELECT pii_partition FROM users_core WHERE user_id = $1`, userID).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", err
	}
	if name == nil || *name == "" {
		return "default", nil
	}
	return *name, nil
}

func (w *Writer) writePII(ctx context.Context, user UserRecord, partitionName string) error {
	adapter, err := w.parts.PII(partitionName)
	if err != nil {
		return err
	}
	_, err = adapter.Execute(ctx, `
		INSERT INTO users_pii (user_id, tenant_id, email, name, preferred_username, phone, address, custom_attrs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE
		SET email = EXCLUDED.email, name = EXCLUDED.name,
		    preferred_username = EXCLUDED.preferred_username,
		    phone = EXCLUDED.phone, address = EXCLUDED.address,
		    custom_attrs = EXCLUDED.custom_attrs`,
		user.UserID, user.TenantID, user.Email, user.Name,
		user.PreferredUsername, user.Phone, user.Address, user.CustomAttrs)
	return err
}

// markStatus is best-effort: a failed status update leaves the previous
// state, which the janitor surfaces for retry.
func (w *Writer) markStatus(ctx context.Context, userID, status string) {
	_, err := w.parts.Core().Execute(ctx,
		`UPDATE users_core SET pii_status = $2, updated_at = NOW() WHERE user_id = $1`,
		userID, status)
	if err != nil {
		w.log.Error("failed to update pii_status", "user_id", userID, "status", status, "error", err)
	}
}
