// Package provider implements the provider/key manager: per-key health
// and budget accounting, cooldown recovery, priority failover across
// keys and provider kinds, key rotation, and the outage notification
// protocol.
package provider

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encryptor seals provider key material at rest with
// XChaCha20-Poly1305. The 32-byte key comes from config or the
// AGENTIUM_PROVIDER_KEY environment variable as hex.
type Encryptor struct {
	key []byte
}

// NewEncryptor parses a 64-char hex key.
func NewEncryptor(hexKey string) (*Encryptor, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Encryptor{key: key}, nil
}

// Seal encrypts plaintext material, returning base64(nonce || box).
func (e *Encryptor) Seal(material string) (string, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(material), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts material sealed by Seal.
func (e *Encryptor) Open(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("encrypted material is not valid base64: %w", err)
	}
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return "", err
	}
	if len(data) < aead.NonceSize() {
		return "", fmt.Errorf("encrypted material too short")
	}
	nonce, box := data[:aead.NonceSize()], data[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt key material: %w", err)
	}
	return string(plain), nil
}

// Mask renders key material safe for display: first three and last
// four characters survive.
func Mask(material string) string {
	if len(material) <= 8 {
		return "****"
	}
	return material[:3] + "…" + material[len(material)-4:]
}
