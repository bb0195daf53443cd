package store

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealer encrypts credential secret material with XChaCha20-Poly1305.
// The AEAD key is derived from the operator-supplied master key via
// HKDF-SHA256, so the raw passphrase never touches the ciphertext.
type sealer struct {
	key []byte
}

const hkdfInfo = "modelgate/credential-store/v1"

func newSealer(masterKey string) (*sealer, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key is empty, set MODELGATE_MASTER_KEY")
	}
	kdf := hkdf.New(sha256.New, []byte(masterKey), nil, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return &sealer{key: key}, nil
}

// seal encrypts plaintext, prefixing the random nonce to the ciphertext.
func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a sealed blob produced by seal.
func (s *sealer) open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed blob too short (%d bytes)", len(sealed))
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret material: %w", err)
	}
	return plaintext, nil
}
