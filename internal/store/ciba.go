package store

import (
	"time"
)

// CIBARequest is a backchannel authentication request keyed by auth_req_id.
// The lifecycle mirrors the device grant: issued pending, resolved by the
// authentication device, polled by the consumption device.
type CIBARequest struct {
	AuthReqID      string
	TenantID       string
	ClientID       string
	Scope          []string
	BindingMessage string
	LoginHint      string
	Status         DeviceStatus
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastPollAt     time.Time
	PollCount      int
	Subject        string
	UserID         string
	Consumed       bool
}

// CIBARequestStore owns backchannel requests sharded by auth_req_id.
type CIBARequestStore struct {
	m        *shardMap[CIBARequest]
	interval time.Duration
	now      clock
}

// NewCIBARequestStore creates the store with the given shard count.
func NewCIBARequestStore(shards int, interval time.Duration) *CIBARequestStore {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &CIBARequestStore{m: newShardMap[CIBARequest](shards), interval: interval, now: defaultClock}
}

// Interval returns the static minimum polling interval.
func (s *CIBARequestStore) Interval() time.Duration { return s.interval }

// Issue stores a new pending request.
func (s *CIBARequestStore) Issue(rec CIBARequest, ttl time.Duration) CIBARequest {
	now := s.now()
	rec.Status = DevicePending
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(ttl)
	s.m.write(rec.AuthReqID, func(items map[string]CIBARequest) {
		items[rec.AuthReqID] = rec
	})
	return rec
}

// CIBAPollResult mirrors PollResult for backchannel requests.
type CIBAPollResult struct {
	State    DeviceStatus
	Record   CIBARequest
	SlowDown bool
}

// Poll checks the request state with the same interval, single-delivery and
// client-binding semantics as the device store.
func (s *CIBARequestStore) Poll(authReqID, clientID string) (CIBAPollResult, error) {
	var (
		res CIBAPollResult
		err error
	)
	s.m.write(authReqID, func(items map[string]CIBARequest) {
		rec, ok := items[authReqID]
		if !ok {
			err = ErrNotFound
			return
		}
		if rec.ClientID != clientID {
			err = ErrClientMismatch
			return
		}

		now := s.now()
		if now.After(rec.ExpiresAt) {
			rec.Status = DeviceExpired
			items[authReqID] = rec
			res = CIBAPollResult{State: DeviceExpired, Record: rec}
			return
		}

		tooFast := !rec.LastPollAt.IsZero() && now.Sub(rec.LastPollAt) < s.interval
		rec.LastPollAt = now
		rec.PollCount++

		if tooFast {
			items[authReqID] = rec
			res = CIBAPollResult{State: rec.Status, Record: rec, SlowDown: true}
			return
		}

		if rec.Status == DeviceApproved {
			if rec.Consumed {
				err = ErrAlreadyConsumed
				items[authReqID] = rec
				return
			}
			rec.Consumed = true
		}
		items[authReqID] = rec
		res = CIBAPollResult{State: rec.Status, Record: rec}
	})
	return res, err
}

// Resolve records the user's decision from the authentication device.
func (s *CIBARequestStore) Resolve(authReqID string, approved bool, userID, subject string) error {
	err := ErrNotFound
	s.m.write(authReqID, func(items map[string]CIBARequest) {
		rec, ok := items[authReqID]
		if !ok {
			return
		}
		if s.now().After(rec.ExpiresAt) {
			err = ErrExpired
			return
		}
		if rec.Status != DevicePending {
			err = ErrAlreadyConsumed
			return
		}
		if approved {
			rec.Status = DeviceApproved
			rec.UserID = userID
			rec.Subject = subject
		} else {
			rec.Status = DeviceDenied
		}
		items[authReqID] = rec
		err = nil
	})
	return err
}

// PruneExpired drops requests past expiry.
func (s *CIBARequestStore) PruneExpired() int {
	now := s.now()
	return s.m.sweep(func(_ string, rec CIBARequest) bool {
		return now.After(rec.ExpiresAt)
	})
}
