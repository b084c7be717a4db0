package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// ErrSealed is returned when a value cannot be opened, usually because the
// passphrase changed since it was sealed.
var ErrSealed = errors.New("vault: cannot open sealed value")

// Vault seals tool API keys with AES-256-GCM under a passphrase derived key.
type Vault struct {
	aead cipher.AEAD
}

// New derives the key with Argon2id. The salt is the SHA-256 of the
// passphrase, so one passphrase always opens what it sealed across restarts.
func New(passphrase string) (*Vault, error) {
	salt := sha256.Sum256([]byte(passphrase))
	key := argon2.IDKey([]byte(passphrase), salt[:16], 1, 64*1024, 4, 32)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh nonce. label is authenticated but not
// stored, so a value sealed for one tool cannot be opened as another's.
func (v *Vault) Seal(label string, plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return v.aead.Seal(nil, nonce, plaintext, []byte(label)), nonce, nil
}

func (v *Vault) Open(label string, ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != v.aead.NonceSize() {
		return nil, ErrSealed
	}
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, []byte(label))
	if err != nil {
		return nil, ErrSealed
	}
	return plaintext, nil
}
