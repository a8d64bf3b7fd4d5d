package audit

import (
	"context"
	"strconv"
)

// SettingsEvents adapts a Logger to the settings store's event hook.
// Rollback lifecycle events map to SETTINGS_ROLLBACK, everything else to
// SETTINGS_VERSION_WRITTEN.
func SettingsEvents(l Logger, actor string) func(event, category string, version int) {
	return func(event, category string, version int) {
		action := EventSettingsWritten
		switch event {
		case "rollback_started", "rollback_completed", "rollback_failed":
			action = EventSettingsRollback
		}
		l.Log(context.Background(), actor, action, "settings/"+category, map[string]string{
			"event":   event,
			"version": strconv.Itoa(version),
		})
	}
}

// FamilyRevocations adapts a Logger to the refresh rotator's revocation
// fan-out hook.
func FamilyRevocations(l Logger) func(familyID string) {
	return func(familyID string) {
		l.Log(context.Background(), "system", EventFamilyRevoked, "refresh_family/"+familyID, nil)
	}
}
