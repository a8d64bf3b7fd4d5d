package admin

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"image/png"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/pquerna/otp/totp"

	"github.com/keyfold/keyfold/internal/crypto"
	"github.com/keyfold/keyfold/internal/storage"
)

var (
	// ErrMFANotEnrolled means the user has no TOTP secret on record.
	ErrMFANotEnrolled = errors.New("mfa not enrolled for user")
	// ErrInvalidCode means neither the TOTP code nor a backup code matched.
	ErrInvalidCode = errors.New("invalid mfa code")
)

// Enrollment is the one-time response to a TOTP enrollment. The secret and
// backup codes are shown once and never retrievable again.
type Enrollment struct {
	Secret      string
	OTPAuthURL  string
	QRPNG       []byte
	BackupCodes []string
}

// MFAService handles TOTP enrollment and verification. Secrets are sealed
// with the key manager master secret before they reach core storage.
type MFAService struct {
	core      storage.Adapter
	issuer    string
	masterKey string
}

// NewMFAService creates the service. issuer appears in authenticator apps.
func NewMFAService(core storage.Adapter, issuer, masterKeyHex string) *MFAService {
	return &MFAService{core: core, issuer: issuer, masterKey: masterKeyHex}
}

// Enroll generates a fresh TOTP secret plus backup codes for the user and
// persists them. Re-enrolling replaces the previous secret.
func (s *MFAService) Enroll(ctx context.Context, tenantID, userID, accountName string) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("failed to generate totp key: %w", err)
	}

	var buf bytes.Buffer
	img, err := key.Image(200, 200)
	if err != nil {
		return Enrollment{}, fmt.Errorf("failed to create qr code: %w", err)
	}
	if err := png.Encode(&buf, img); err != nil {
		return Enrollment{}, fmt.Errorf("failed to encode png: %w", err)
	}

	backupCodes, err := generateBackupCodes(8)
	if err != nil {
		return Enrollment{}, err
	}
	hashes := make([]string, len(backupCodes))
	for i, code := range backupCodes {
		hashes[i] = crypto.SHA256Base64URL(code)
	}

	sealed, err := crypto.Seal(s.masterKey, key.Secret())
	if err != nil {
		return Enrollment{}, fmt.Errorf("failed to seal totp secret: %w", err)
	}

	_, err = s.core.Execute(ctx, `
		INSERT INTO mfa_secrets (user_id, tenant_id, sealed_secret, backup_hashes, enrolled_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET sealed_secret = EXCLUDED.sealed_secret,
		    backup_hashes = EXCLUDED.backup_hashes, enrolled_at = NOW()`,
		userID, tenantID, sealed, hashes)
	if err != nil {
		return Enrollment{}, err
	}

	return Enrollment{
		Secret:      key.Secret(),
		OTPAuthURL:  key.URL(),
		QRPNG:       buf.Bytes(),
		BackupCodes: backupCodes,
	}, nil
}

// Verify checks a presented code against the user's TOTP secret, falling
// back to single-use backup codes. Returns the AMR method that matched.
func (s *MFAService) Verify(ctx context.Context, tenantID, userID, code string) (string, error) {
	row := s.core.QueryRow(ctx, `
		SELECT sealed_secret, backup_hashes FROM mfa_secrets
		WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID)

	var (
		sealed string
		hashes []string
	)
	if err := row.Scan(&sealed, &hashes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrMFANotEnrolled
		}
		return "", err
	}

	secret, err := crypto.Open(s.masterKey, sealed)
	if err != nil {
		return "", fmt.Errorf("failed to unseal totp secret: %w", err)
	}
	if totp.Validate(code, secret) {
		return "otp", nil
	}

	// Backup codes burn on use.
	presented := crypto.SHA256Base64URL(code)
	for i, h := range hashes {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h)) == 1 {
			remaining := append(append([]string{}, hashes[:i]...), hashes[i+1:]...)
			_, err := s.core.Execute(ctx,
				`UPDATE mfa_secrets SET backup_hashes = $2 WHERE user_id = $1`,
				userID, remaining)
			if err != nil {
				return "", err
			}
			return "mfa", nil
		}
	}
	return "", ErrInvalidCode
}

// Revoke removes the user's TOTP enrollment.
func (s *MFAService) Revoke(ctx context.Context, tenantID, userID string) error {
	res, err := s.core.Execute(ctx,
		`DELETE FROM mfa_secrets WHERE tenant_id = $1 AND user_id = $2`,
		tenantID, userID)
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// generateBackupCodes creates recovery codes in XXXX-XXXX form. The charset
// drops I, O, 0 and 1 to avoid transcription mistakes.
func generateBackupCodes(count int) ([]string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codes := make([]string, count)
	for i := range codes {
		code := make([]byte, 8)
		for j := range code {
			num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
			if err != nil {
				return nil, fmt.Errorf("crypto/rand failed: %w", err)
			}
			code[j] = chars[num.Int64()]
		}
		codes[i] = string(code[:4]) + "-" + string(code[4:])
	}
	return codes, nil
}
