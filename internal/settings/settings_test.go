package settings

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	tests := []struct {
		name string
		old  string
		new  string
		want []Change
	}{
		{
			"scalar change",
			`{"ttl": 60}`,
			`{"ttl": 90}`,
			[]Change{{Path: "ttl", Op: "changed", Old: float64(60), New: float64(90)}},
		},
		{
			"added and removed",
			`{"a": 1}`,
			`{"b": 2}`,
			[]Change{
				{Path: "a", Op: "removed", Old: float64(1)},
				{Path: "b", Op: "added", New: float64(2)},
			},
		},
		{
			"nested path",
			`{"limits": {"rps": 10, "burst": 5}}`,
			`{"limits": {"rps": 20, "burst": 5}}`,
			[]Change{{Path: "limits.rps", Op: "changed", Old: float64(10), New: float64(20)}},
		},
		{
			"array replaced whole",
			`{"origins": ["a"]}`,
			`{"origins": ["a", "b"]}`,
			[]Change{{Path: "origins", Op: "changed", Old: []any{"a"}, New: []any{"a", "b"}}},
		},
		{
			"no change",
			`{"a": {"b": 1}}`,
			`{"a": {"b": 1}}`,
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Diff(json.RawMessage(tt.old), json.RawMessage(tt.new))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func newTestStore(events *[]string) *Store {
	return NewStore(NewMemoryRepository(), nil, func(event, _ string, _ int) {
		if events != nil {
			*events = append(*events, event)
		}
	})
}

func TestWriteVersion_Monotone(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	actor := Actor{ID: "admin-1", Type: "admin", Source: "api"}

	v1, err := s.WriteVersion(ctx, "security", json.RawMessage(`{"mfa": false}`), actor)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	v2, err := s.WriteVersion(ctx, "security", json.RawMessage(`{"mfa": true}`), actor)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	var changes []Change
	require.NoError(t, json.Unmarshal(v2.Changes, &changes))
	require.Len(t, changes, 1)
	assert.Equal(t, "mfa", changes[0].Path)

	cur, err := s.Current(ctx, "security")
	require.NoError(t, err)
	assert.Equal(t, 2, cur.Version)

	// Categories version independently.
	o1, err := s.WriteVersion(ctx, "cors", json.RawMessage(`{"origins": []}`), actor)
	require.NoError(t, err)
	assert.Equal(t, 1, o1.Version)
}

func TestWriteVersion_UnchangedStillAdvances(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	actor := Actor{ID: "admin-1"}

	v1, err := s.WriteVersion(ctx, "security", json.RawMessage(`{"mfa": true}`), actor)
	require.NoError(t, err)

	again, err := s.WriteVersion(ctx, "security", json.RawMessage(`{"mfa": true}`), actor)
	require.NoError(t, err)
	assert.Equal(t, v1.Version+1, again.Version)

	var changes []Change
	require.NoError(t, json.Unmarshal(again.Changes, &changes))
	assert.Empty(t, changes)
}

func TestRollback_TargetEqualsCurrent(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	actor := Actor{ID: "admin-1", Type: "admin", Source: "api"}

	_, err := s.WriteVersion(ctx, "security", json.RawMessage(`{"mfa": false}`), actor)
	require.NoError(t, err)
	_, err = s.WriteVersion(ctx, "security", json.RawMessage(`{"mfa": true}`), actor)
	require.NoError(t, err)

	// Rolling back to the version already live must still write a new one.
	rec, err := s.Rollback(ctx, "security", 2, Actor{ID: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Version)
	assert.JSONEq(t, `{"mfa": true}`, string(rec.Snapshot))

	cur, err := s.Current(ctx, "security")
	require.NoError(t, err)
	assert.Equal(t, 3, cur.Version)

	v3, err := s.Version(ctx, "security", 3)
	require.NoError(t, err)
	assert.Equal(t, "rollback", v3.ActorType)
}

func TestRollback(t *testing.T) {
	var events []string
	s := newTestStore(&events)
	ctx := context.Background()
	actor := Actor{ID: "admin-1", Type: "admin", Source: "api"}

	_, err := s.WriteVersion(ctx, "security", json.RawMessage(`{"mfa": false}`), actor)
	require.NoError(t, err)
	_, err = s.WriteVersion(ctx, "security", json.RawMessage(`{"mfa": true}`), actor)
	require.NoError(t, err)
	_, err = s.WriteVersion(ctx, "security", json.RawMessage(`{"mfa": true, "pkce": true}`), actor)
	require.NoError(t, err)

	events = events[:0]
	rec, err := s.Rollback(ctx, "security", 1, Actor{ID: "admin-1"})
	require.NoError(t, err)

	// A rollback is a new version whose snapshot equals the target's.
	assert.Equal(t, 4, rec.Version)
	assert.JSONEq(t, `{"mfa": false}`, string(rec.Snapshot))
	assert.Equal(t, "rollback", rec.ActorType)

	cur, err := s.Current(ctx, "security")
	require.NoError(t, err)
	assert.Equal(t, 4, cur.Version)
	assert.JSONEq(t, `{"mfa": false}`, string(cur.Snapshot))

	// History is append-only: the target version is untouched.
	v1, err := s.Version(ctx, "security", 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"mfa": false}`, string(v1.Snapshot))

	assert.Equal(t, []string{"rollback_started", "version_written", "rollback_completed"}, events)
}

func TestRollback_UnknownVersion(t *testing.T) {
	var events []string
	s := newTestStore(&events)
	ctx := context.Background()

	_, err := s.Rollback(ctx, "security", 9, Actor{ID: "admin-1"})
	require.ErrorIs(t, err, ErrVersionNotFound)
	assert.Equal(t, []string{"rollback_started", "rollback_failed"}, events)
}

func TestCompare(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	actor := Actor{ID: "admin-1"}

	_, err := s.WriteVersion(ctx, "cors", json.RawMessage(`{"max_age": 600}`), actor)
	require.NoError(t, err)
	_, err = s.WriteVersion(ctx, "cors", json.RawMessage(`{"max_age": 3600}`), actor)
	require.NoError(t, err)

	changes, err := s.Compare(ctx, "cors", 1, 2)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, Change{Path: "max_age", Op: "changed", Old: float64(600), New: float64(3600)}, changes[0])
}

func TestHistory(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	actor := Actor{ID: "admin-1"}

	for _, doc := range []string{`{"v": 1}`, `{"v": 2}`, `{"v": 3}`} {
		_, err := s.WriteVersion(ctx, "c", json.RawMessage(doc), actor)
		require.NoError(t, err)
	}

	recs, err := s.History(ctx, "c", 2, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 3, recs[0].Version)
	assert.Equal(t, 2, recs[1].Version)

	recs, err = s.History(ctx, "c", 10, 2)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Version)
}

func TestPartitionSource(t *testing.T) {
	s := newTestStore(nil)
	ctx := context.Background()
	src := NewPartitionSource(s)

	// Unwritten category routes everything to default.
	ps, err := src.LoadPartitionSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "default", ps.DefaultPartition)

	_, err = s.WriteVersion(ctx, PartitionCategory, json.RawMessage(
		`{"defaultPartition": "default", "ipRoutingEnabled": true, "availablePartitions": ["eu"], "tenantPartitions": {"acme": "eu"}}`,
	), Actor{ID: "admin-1"})
	require.NoError(t, err)

	ps, err = src.LoadPartitionSettings(ctx)
	require.NoError(t, err)
	assert.True(t, ps.IPRoutingEnabled)
	assert.Equal(t, "eu", ps.TenantPartitions["acme"])
}
