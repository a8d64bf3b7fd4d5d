package admin

import (
	"time"

	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/store"
)

// DefaultSetupTokenTTL is how long an issued setup token stays valid.
const DefaultSetupTokenTTL = time.Hour

// Setup issues and redeems the initial admin setup token. The token is
// exclusive and redemption happens at most once per deployment.
type Setup struct {
	store *store.SetupStore
	ttl   time.Duration
}

// NewSetup creates the setup flow over the exclusive store.
func NewSetup(s *store.SetupStore, ttl time.Duration) *Setup {
	if ttl <= 0 {
		ttl = DefaultSetupTokenTTL
	}
	return &Setup{store: s, ttl: ttl}
}

// IssueToken mints and stores a fresh setup token. Fails once setup has
// completed or while a live token is outstanding.
func (s *Setup) IssueToken() (string, time.Time, error) {
	tok, err := crypto.RandomToken(32)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.store.StoreToken(tok, s.ttl); err != nil {
		return "", time.Time{}, err
	}
	return tok, time.Now().Add(s.ttl), nil
}

// Redeem validates the presented token and marks setup completed.
func (s *Setup) Redeem(token string) error {
	return s.store.ConsumeToken(token)
}

// Completed reports whether initial setup already happened.
func (s *Setup) Completed() bool {
	return s.store.Completed()
}
