package store

import (
	"net/url"
	"time"
)

// RequestURIPrefix is the urn prefix for pushed authorization requests.
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// PARRequest is a pushed authorization request awaiting its /authorize call.
type PARRequest struct {
	RequestURI string
	ClientID   string
	Params     url.Values
	ExpiresAt  time.Time
	Consumed   bool
}

// maxPARTTL caps request_uri lifetime at 90 seconds.
const maxPARTTL = 90 * time.Second

// PARRequestStore holds pushed requests sharded by request_uri. Consume is
// atomic and enforces the client binding.
type PARRequestStore struct {
	m   *shardMap[PARRequest]
	now clock
}

// NewPARRequestStore creates the store with the given shard count.
func NewPARRequestStore(shards int) *PARRequestStore {
	return &PARRequestStore{m: newShardMap[PARRequest](shards), now: defaultClock}
}

// Store persists a pushed request. The effective TTL never exceeds 90s.
// Returns the record with its expiry filled in.
func (s *PARRequestStore) Store(requestURI, clientID string, params url.Values, ttl time.Duration) PARRequest {
	if ttl <= 0 || ttl > maxPARTTL {
		ttl = maxPARTTL
	}
	rec := PARRequest{
		RequestURI: requestURI,
		ClientID:   clientID,
		Params:     params,
		ExpiresAt:  s.now().Add(ttl),
	}
	s.m.write(requestURI, func(items map[string]PARRequest) {
		items[requestURI] = rec
	})
	return rec
}

// Consume atomically claims the request for the given client.
func (s *PARRequestStore) Consume(requestURI, clientID string) (PARRequest, error) {
	var (
		rec PARRequest
		err error
	)
	s.m.write(requestURI, func(items map[string]PARRequest) {
		stored, ok := items[requestURI]
		if !ok {
			err = ErrNotFound
			return
		}
		if stored.Consumed {
			err = ErrAlreadyConsumed
			return
		}
		if s.now().After(stored.ExpiresAt) {
			err = ErrExpired
			return
		}
		if stored.ClientID != clientID {
			err = ErrClientMismatch
			return
		}
		stored.Consumed = true
		items[requestURI] = stored
		rec = stored
	})
	return rec, err
}

// PruneExpired drops requests past expiry.
func (s *PARRequestStore) PruneExpired() int {
	now := s.now()
	return s.m.sweep(func(_ string, rec PARRequest) bool {
		return now.After(rec.ExpiresAt)
	})
}
