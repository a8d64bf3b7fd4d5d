// Package audit records security-relevant events as an immutable trail.
// Events go to a dedicated JSON log stream and, when a core adapter is
// configured, to the audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/keyfold/keyfold/internal/storage"
)

// EventType categorizes audit events.
type EventType string

const (
	EventTokenIssued          EventType = "TOKEN_ISSUED"
	EventTokenRevoked         EventType = "TOKEN_REVOKED"
	EventRefreshReuseDetected EventType = "REFRESH_REUSE_DETECTED"
	EventFamilyRevoked        EventType = "REFRESH_FAMILY_REVOKED"
	EventKeyRotated           EventType = "KEY_ROTATED"
	EventSettingsWritten      EventType = "SETTINGS_VERSION_WRITTEN"
	EventSettingsRollback     EventType = "SETTINGS_ROLLBACK"
	EventUserCreated          EventType = "USER_CREATED"
	EventUserErased           EventType = "USER_ERASED"
	EventSetupCompleted       EventType = "SETUP_COMPLETED"
	EventClientAuthFailed     EventType = "CLIENT_AUTH_FAILED"
	EventClientRegistered     EventType = "CLIENT_REGISTERED"
	EventClientDeactivated    EventType = "CLIENT_DEACTIVATED"
	EventMFAEnrolled          EventType = "MFA_ENROLLED"
	EventMFARevoked           EventType = "MFA_REVOKED"
)

// Logger is the contract for immutable audit logging. Implementations must
// never fail the calling operation: auditing is best effort at the call
// site, alerting on sink failure happens out of band.
type Logger interface {
	Log(ctx context.Context, actor string, action EventType, resource string, metadata map[string]string)
}

// JSONLogger writes the trail to a dedicated slog stream with a log_type
// marker so aggregators can route it to a separate index.
type JSONLogger struct {
	logger *slog.Logger
}

// NewJSONLogger creates a JSON audit logger writing to w (stdout when nil).
// A separate handler keeps the trail's format independent of the app logger.
func NewJSONLogger(w io.Writer) *JSONLogger {
	if w == nil {
		w = os.Stdout
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &JSONLogger{logger: slog.New(handler)}
}

func (l *JSONLogger) Log(ctx context.Context, actor string, action EventType, resource string, metadata map[string]string) {
	fields := []any{
		slog.String("log_type", "AUDIT_TRAIL"),
		slog.String("actor", actor),
		slog.String("action", string(action)),
		slog.String("resource", resource),
		slog.Time("timestamp_utc", time.Now().UTC()),
	}
	for k, v := range metadata {
		fields = append(fields, slog.String("meta_"+k, v))
	}
	l.logger.InfoContext(ctx, "audit_event", fields...)
}

// DBLogger persists events to the audit_log table in core storage and
// mirrors them to an inner logger. Insert failures are logged, never
// propagated.
type DBLogger struct {
	core  storage.Adapter
	inner Logger
	log   *slog.Logger
}

// NewDBLogger creates the persistent audit logger.
func NewDBLogger(core storage.Adapter, inner Logger, log *slog.Logger) *DBLogger {
	if log == nil {
		log = slog.Default()
	}
	return &DBLogger{core: core, inner: inner, log: log}
}

func (l *DBLogger) Log(ctx context.Context, actor string, action EventType, resource string, metadata map[string]string) {
	if l.inner != nil {
		l.inner.Log(ctx, actor, action, resource, metadata)
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		meta = []byte("{}")
	}
	_, err = l.core.Execute(ctx, `
		INSERT INTO audit_log (id, actor, action, resource, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), actor, string(action), resource, meta, time.Now().UTC())
	if err != nil {
		l.log.Error("audit insert failed",
			slog.String("action", string(action)),
			slog.String("error", err.Error()))
	}
}

// NopLogger discards everything. Used in tests and as a default.
type NopLogger struct{}

func (NopLogger) Log(context.Context, string, EventType, string, map[string]string) {}
