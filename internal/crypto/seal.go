package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// sealPrefix marks a sealed value so we never mistake plaintext for ciphertext.
const sealPrefix = "enc:"

// Seal encrypts plaintext (typically a private key PEM) with AES-256-GCM
// under the given master key. The key is 64 hex characters (32 bytes).
// A random nonce is generated per call and prepended to the ciphertext;
// the result is base64 encoded and prefixed with "enc:" for storage.
func Seal(masterKeyHex, plaintext string) (string, error) {
	gcm, err := gcmFromHexKey(masterKeyHex)
	if err != nil {
		return "", err
	}

	// Nonce reuse with the same key breaks GCM; always fresh.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal. Returns an error on tampering
// (GCM authentication failure) or a missing "enc:" prefix.
func Open(masterKeyHex, sealed string) (string, error) {
	if !strings.HasPrefix(sealed, sealPrefix) {
		return "", fmt.Errorf("value is not sealed (missing %q prefix)", sealPrefix)
	}

	gcm, err := gcmFromHexKey(masterKeyHex)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealPrefix))
	if err != nil {
		return "", fmt.Errorf("invalid sealed value encoding: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("sealed value too short")
	}

	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to open sealed value: %w", err)
	}
	return string(plaintext), nil
}

func gcmFromHexKey(masterKeyHex string) (cipher.AEAD, error) {
	if len(masterKeyHex) != 64 {
		return nil, fmt.Errorf("master key must be exactly 32 bytes (64 hex characters)")
	}
	key := make([]byte, 32)
	if _, err := hex.Decode(key, []byte(masterKeyHex)); err != nil {
		return nil, fmt.Errorf("invalid master key format (must be hex): %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM mode: %w", err)
	}
	return gcm, nil
}
