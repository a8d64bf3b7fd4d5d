package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueTestGrant(s *DeviceCodeStore) DeviceCode {
	return s.Issue(DeviceCode{
		DeviceCode: "dev-1",
		UserCode:   "WDJB-MJHT",
		TenantID:   "t1",
		ClientID:   "client-a",
		Scope:      []string{"openid"},
	}, 10*time.Minute)
}

func TestDeviceCodeStore_PollTiming(t *testing.T) {
	s := NewDeviceCodeStore(16, 5*time.Second)
	now := time.Now()
	s.now = func() time.Time { return now }

	issueTestGrant(s)

	// First poll: pending.
	res, err := s.Poll("dev-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, DevicePending, res.State)
	assert.False(t, res.SlowDown)

	// 2s later: too fast.
	now = now.Add(2 * time.Second)
	res, err = s.Poll("dev-1", "client-a")
	require.NoError(t, err)
	assert.True(t, res.SlowDown)

	// 6s after that: pending again; the interval did not grow.
	now = now.Add(6 * time.Second)
	res, err = s.Poll("dev-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, DevicePending, res.State)
	assert.False(t, res.SlowDown)

	// Approve, then poll delivers the grant exactly once.
	require.NoError(t, s.Approve("dev-1", "u1", "u1"))
	now = now.Add(6 * time.Second)
	res, err = s.Poll("dev-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, DeviceApproved, res.State)
	assert.Equal(t, "u1", res.Record.UserID)

	now = now.Add(6 * time.Second)
	_, err = s.Poll("dev-1", "client-a")
	assert.ErrorIs(t, err, ErrAlreadyConsumed)
}

func TestDeviceCodeStore_WrongClientDoesNotConsume(t *testing.T) {
	s := NewDeviceCodeStore(16, 5*time.Second)
	now := time.Now()
	s.now = func() time.Time { return now }

	issueTestGrant(s)
	require.NoError(t, s.Approve("dev-1", "u1", "u1"))

	// A poll from a different client is rejected without touching the
	// grant: the approval stays deliverable to the real client.
	_, err := s.Poll("dev-1", "client-b")
	assert.ErrorIs(t, err, ErrClientMismatch)

	res, err := s.Poll("dev-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, DeviceApproved, res.State)
	assert.False(t, res.SlowDown, "the foreign poll must not count against the interval")
}

func TestCIBARequestStore_WrongClientDoesNotConsume(t *testing.T) {
	s := NewCIBARequestStore(16, 5*time.Second)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Issue(CIBARequest{AuthReqID: "req-1", ClientID: "client-a"}, 5*time.Minute)
	require.NoError(t, s.Resolve("req-1", true, "u1", "u1"))

	_, err := s.Poll("req-1", "client-b")
	assert.ErrorIs(t, err, ErrClientMismatch)

	res, err := s.Poll("req-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, DeviceApproved, res.State)
}

func TestDeviceCodeStore_ExpiryWinsOverStatus(t *testing.T) {
	s := NewDeviceCodeStore(16, 5*time.Second)
	now := time.Now()
	s.now = func() time.Time { return now }

	issueTestGrant(s)
	require.NoError(t, s.Approve("dev-1", "u1", "u1"))

	now = now.Add(11 * time.Minute)
	res, err := s.Poll("dev-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, DeviceExpired, res.State)
}

func TestDeviceCodeStore_Deny(t *testing.T) {
	s := NewDeviceCodeStore(16, 5*time.Second)
	now := time.Now()
	s.now = func() time.Time { return now }

	issueTestGrant(s)
	require.NoError(t, s.Deny("dev-1"))

	// Approval after denial is rejected.
	assert.ErrorIs(t, s.Approve("dev-1", "u1", "u1"), ErrAlreadyConsumed)

	res, err := s.Poll("dev-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, DeviceDenied, res.State)
}

func TestDeviceCodeStore_FindByUserCode(t *testing.T) {
	s := NewDeviceCodeStore(16, 5*time.Second)
	issueTestGrant(s)

	rec, err := s.FindByUserCode("WDJB-MJHT")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", rec.DeviceCode)

	_, err = s.FindByUserCode("XXXX-XXXX")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCIBARequestStore_Lifecycle(t *testing.T) {
	s := NewCIBARequestStore(16, 5*time.Second)
	now := time.Now()
	s.now = func() time.Time { return now }

	s.Issue(CIBARequest{AuthReqID: "req-1", ClientID: "client-a", Scope: []string{"openid"}}, 5*time.Minute)

	res, err := s.Poll("req-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, DevicePending, res.State)

	now = now.Add(time.Second)
	res, err = s.Poll("req-1", "client-a")
	require.NoError(t, err)
	assert.True(t, res.SlowDown)

	require.NoError(t, s.Resolve("req-1", true, "u1", "u1"))
	now = now.Add(6 * time.Second)
	res, err = s.Poll("req-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, DeviceApproved, res.State)
	assert.Equal(t, "u1", res.Record.Subject)

	now = now.Add(6 * time.Second)
	_, err = s.Poll("req-1", "client-a")
	assert.ErrorIs(t, err, ErrAlreadyConsumed)
}

func TestCIBARequestStore_Denied(t *testing.T) {
	s := NewCIBARequestStore(16, 5*time.Second)
	s.Issue(CIBARequest{AuthReqID: "req-1", ClientID: "client-a"}, 5*time.Minute)

	require.NoError(t, s.Resolve("req-1", false, "", ""))
	res, err := s.Poll("req-1", "client-a")
	require.NoError(t, err)
	assert.Equal(t, DeviceDenied, res.State)
}
