package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRows struct {
	pgx.Rows
	closed bool
}

func (f *fakeRows) Close() { f.closed = true }

type fakeRow struct {
	err error
}

func (f fakeRow) Scan(dest ...any) error { return f.err }

func TestDeadlineRows_CancelDeferredUntilClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inner := &fakeRows{}
	rows := &deadlineRows{Rows: inner, cancel: cancel}

	// The query context must stay live while the caller iterates.
	require.NoError(t, ctx.Err())

	rows.Close()
	assert.True(t, inner.closed)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestDeadlineRow_CancelDeferredUntilScan(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	row := &deadlineRow{row: fakeRow{}, cancel: cancel}

	require.NoError(t, ctx.Err())

	require.NoError(t, row.Scan())
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestDeadlineRow_ScanErrorPassedThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	row := &deadlineRow{row: fakeRow{err: pgx.ErrNoRows}, cancel: cancel}

	assert.ErrorIs(t, row.Scan(), pgx.ErrNoRows)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestMapError(t *testing.T) {
	assert.Nil(t, mapError(nil))
	assert.ErrorIs(t, mapError(pgx.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, mapError(context.DeadlineExceeded), ErrStorageTimeout)
	assert.ErrorIs(t, mapError(errors.New("dial tcp: refused")), ErrStorageUnavailable)
}
