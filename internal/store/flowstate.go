package store

import (
	"net/url"
	"time"
)

// FlowState carries a multi-step /authorize flow (login, MFA, consent)
// across requests, keyed by a server-minted flow_id.
type FlowState struct {
	FlowID    string
	TenantID  string
	ClientID  string
	Params    url.Values // the validated authorize parameters
	UserID    string
	Subject   string
	SessionID string
	AMR       []string
	ACR       string
	AuthTime  time.Time
	Stage     string // "login", "mfa", "consent"
	ExpiresAt time.Time
}

// maxFlowTTL caps flow carrier lifetime at 10 minutes.
const maxFlowTTL = 10 * time.Minute

// FlowStateStore is the transient carrier for in-progress authorize flows.
type FlowStateStore struct {
	m   *shardMap[FlowState]
	now clock
}

// NewFlowStateStore creates the store with the given shard count.
func NewFlowStateStore(shards int) *FlowStateStore {
	return &FlowStateStore{m: newShardMap[FlowState](shards), now: defaultClock}
}

// Put stores or updates the flow state. TTL is capped at 10 minutes.
func (s *FlowStateStore) Put(st FlowState, ttl time.Duration) FlowState {
	if ttl <= 0 || ttl > maxFlowTTL {
		ttl = maxFlowTTL
	}
	st.ExpiresAt = s.now().Add(ttl)
	s.m.write(st.FlowID, func(items map[string]FlowState) {
		items[st.FlowID] = st
	})
	return st
}

// Get returns the flow state if present and unexpired.
func (s *FlowStateStore) Get(flowID string) (FlowState, error) {
	st, ok := s.m.get(flowID)
	if !ok {
		return FlowState{}, ErrNotFound
	}
	if s.now().After(st.ExpiresAt) {
		return FlowState{}, ErrExpired
	}
	return st, nil
}

// Delete removes a completed or abandoned flow.
func (s *FlowStateStore) Delete(flowID string) {
	s.m.write(flowID, func(items map[string]FlowState) {
		delete(items, flowID)
	})
}

// PruneExpired drops flows past expiry.
func (s *FlowStateStore) PruneExpired() int {
	now := s.now()
	return s.m.sweep(func(_ string, st FlowState) bool {
		return now.After(st.ExpiresAt)
	})
}
