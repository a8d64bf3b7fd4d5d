package store

import (
	"time"
)

// DeviceStatus is the RFC 8628 device authorization lifecycle.
type DeviceStatus string

const (
	DevicePending  DeviceStatus = "pending"
	DeviceApproved DeviceStatus = "approved"
	DeviceDenied   DeviceStatus = "denied"
	DeviceExpired  DeviceStatus = "expired"
)

// DeviceCode is one device authorization grant in flight.
type DeviceCode struct {
	DeviceCode string
	UserCode   string
	TenantID   string
	ClientID   string
	Scope      []string
	Status     DeviceStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time
	LastPollAt time.Time
	PollCount  int
	Subject    string
	UserID     string
	Consumed   bool
}

// PollResult is the outcome of one token-endpoint poll.
type PollResult struct {
	State  DeviceStatus
	Record DeviceCode
	// SlowDown is set when the client polled faster than the interval.
	// The interval itself is static; a violation does not grow it.
	SlowDown bool
}

// DefaultPollInterval is the minimum seconds between polls (RFC 8628 3.5).
const DefaultPollInterval = 5 * time.Second

// DeviceCodeStore owns device grants, sharded by device_code, with a
// user_code index for the approval UI.
type DeviceCodeStore struct {
	m          *shardMap[DeviceCode]
	byUserCode *shardMap[string] // user_code -> device_code
	interval   time.Duration
	now        clock
}

// NewDeviceCodeStore creates the store with the given shard count.
func NewDeviceCodeStore(shards int, interval time.Duration) *DeviceCodeStore {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &DeviceCodeStore{
		m:          newShardMap[DeviceCode](shards),
		byUserCode: newShardMap[string](shards),
		interval:   interval,
		now:        defaultClock,
	}
}

// Interval returns the static minimum polling interval.
func (s *DeviceCodeStore) Interval() time.Duration { return s.interval }

// Issue stores a new pending device grant.
func (s *DeviceCodeStore) Issue(rec DeviceCode, ttl time.Duration) DeviceCode {
	now := s.now()
	rec.Status = DevicePending
	rec.CreatedAt = now
	rec.ExpiresAt = now.Add(ttl)
	s.m.write(rec.DeviceCode, func(items map[string]DeviceCode) {
		items[rec.DeviceCode] = rec
	})
	s.byUserCode.write(rec.UserCode, func(items map[string]string) {
		items[rec.UserCode] = rec.DeviceCode
	})
	return rec
}

// Poll is the token-endpoint check. It updates last_poll_at/poll_count and
// returns the current state. Expiry wins over every status. An approved
// grant is returned exactly once: the successful poll marks it consumed and
// later polls fail with ErrAlreadyConsumed. The client binding is verified
// before anything is mutated, so a poll by the wrong client cannot burn the
// approval.
func (s *DeviceCodeStore) Poll(deviceCode, clientID string) (PollResult, error) {
	var (
		res PollResult
		err error
	)
	s.m.write(deviceCode, func(items map[string]DeviceCode) {
		rec, ok := items[deviceCode]
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
			items[deviceCode] = rec
			res = PollResult{State: DeviceExpired, Record: rec}
			return
		}

		tooFast := !rec.LastPollAt.IsZero() && now.Sub(rec.LastPollAt) < s.interval
		rec.LastPollAt = now
		rec.PollCount++

		if tooFast {
			items[deviceCode] = rec
			res = PollResult{State: rec.Status, Record: rec, SlowDown: true}
			return
		}

		switch rec.Status {
		case DeviceApproved:
			if rec.Consumed {
				err = ErrAlreadyConsumed
				items[deviceCode] = rec
				return
			}
			rec.Consumed = true
		case DevicePending, DeviceDenied:
			// reported as-is
		}
		items[deviceCode] = rec
		res = PollResult{State: rec.Status, Record: rec}
	})
	return res, err
}

// Approve binds the grant to the authenticated user. Only pending grants
// can be approved.
func (s *DeviceCodeStore) Approve(deviceCode, userID, subject string) error {
	return s.resolve(deviceCode, DeviceApproved, userID, subject)
}

// Deny rejects the grant.
func (s *DeviceCodeStore) Deny(deviceCode string) error {
	return s.resolve(deviceCode, DeviceDenied, "", "")
}

func (s *DeviceCodeStore) resolve(deviceCode string, status DeviceStatus, userID, subject string) error {
	err := ErrNotFound
	s.m.write(deviceCode, func(items map[string]DeviceCode) {
		rec, ok := items[deviceCode]
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
		rec.Status = status
		rec.UserID = userID
		rec.Subject = subject
		items[deviceCode] = rec
		err = nil
	})
	return err
}

// FindByUserCode resolves the grant a user typed their code for.
func (s *DeviceCodeStore) FindByUserCode(userCode string) (DeviceCode, error) {
	deviceCode, ok := s.byUserCode.get(userCode)
	if !ok {
		return DeviceCode{}, ErrNotFound
	}
	rec, ok := s.m.get(deviceCode)
	if !ok {
		return DeviceCode{}, ErrNotFound
	}
	if s.now().After(rec.ExpiresAt) {
		return DeviceCode{}, ErrExpired
	}
	return rec, nil
}

// PruneExpired drops grants past expiry.
func (s *DeviceCodeStore) PruneExpired() int {
	now := s.now()
	var userCodes []string
	n := s.m.sweep(func(_ string, rec DeviceCode) bool {
		if now.After(rec.ExpiresAt) {
			userCodes = append(userCodes, rec.UserCode)
			return true
		}
		return false
	})
	for _, uc := range userCodes {
		s.byUserCode.write(uc, func(items map[string]string) {
			delete(items, uc)
		})
	}
	return n
}
