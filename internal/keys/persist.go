package keys

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	keycrypto "github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/storage"
)

// Persister stores and recovers key material across restarts. Private keys
// are sealed with the key manager master secret before they touch storage.
type Persister interface {
	Save(tenantID string, key *SigningKey) error
	Load(tenantID string) ([]*SigningKey, error)
}

// PGPersister keeps sealed keys in the signing_keys table.
type PGPersister struct {
	core      storage.Adapter
	masterKey string // hex, KEY_MANAGER_SECRET
}

// NewPGPersister wires the persister to the CORE adapter.
func NewPGPersister(core storage.Adapter, masterKeyHex string) *PGPersister {
	return &PGPersister{core: core, masterKey: masterKeyHex}
}

// Save upserts one key row with its sealed PKCS#8 PEM.
func (p *PGPersister) Save(tenantID string, key *SigningKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key.Signer)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	sealed, err := keycrypto.Seal(p.masterKey, string(pemBytes))
	if err != nil {
		return fmt.Errorf("failed to seal private key: %w", err)
	}

	ctx := context.Background()
	_, err = p.core.Execute(ctx, `
		INSERT INTO signing_keys (tenant_id, kid, alg, status, sealed_pem, created_at, rotated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, kid) DO UPDATE
		SET status = EXCLUDED.status, rotated_at = EXCLUDED.rotated_at`,
		tenantID, key.KID, key.Alg, string(key.Status), sealed,
		key.CreatedAt, nullableTime(key.RotatedAt))
	return err
}

// Load recovers every persisted key of a tenant.
func (p *PGPersister) Load(tenantID string) ([]*SigningKey, error) {
	ctx := context.Background()
	rows, err := p.core.Query(ctx, `
		SELECT kid, alg, status, sealed_pem, created_at, rotated_at
		FROM signing_keys WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SigningKey
	for rows.Next() {
		var (
			kid, alg, status, sealed string
			createdAt                time.Time
			rotatedAt                *time.Time
		)
		if err := rows.Scan(&kid, &alg, &status, &sealed, &createdAt, &rotatedAt); err != nil {
			return nil, err
		}

		pemStr, err := keycrypto.Open(p.masterKey, sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to unseal key %s: %w", kid, err)
		}
		signer, err := parsePKCS8Signer(pemStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key %s: %w", kid, err)
		}

		k := &SigningKey{
			KID:       kid,
			Alg:       alg,
			Status:    KeyStatus(status),
			CreatedAt: createdAt,
			Signer:    signer,
		}
		if rotatedAt != nil {
			k.RotatedAt = *rotatedAt
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func parsePKCS8Signer(pemStr string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := parsed.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("parsed key does not implement crypto.Signer")
	}
	return signer, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
