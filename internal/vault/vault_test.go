package vault

import (
	"bytes"
	"errors"
	"testing"
)

func newVault(t *testing.T, passphrase string) *Vault {
	t.Helper()
	v, err := New(passphrase)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestSealOpen(t *testing.T) {
	v := newVault(t, "test-passphrase")
	key := []byte("sk-ant-123")

	ciphertext, nonce, err := v.Seal("claude-code", key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(ciphertext, key) {
		t.Fatal("ciphertext contains the plaintext")
	}

	opened, err := v.Open("claude-code", ciphertext, nonce)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(key, opened) {
		t.Fatalf("got %q, want %q", opened, key)
	}

	// Same passphrase after a restart.
	opened, err = newVault(t, "test-passphrase").Open("claude-code", ciphertext, nonce)
	if err != nil || !bytes.Equal(key, opened) {
		t.Fatalf("reopen with same passphrase: %q, %v", opened, err)
	}
}

func TestOpenFailures(t *testing.T) {
	v := newVault(t, "correct-passphrase")
	ciphertext, nonce, err := v.Seal("gemini-cli", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	tests := []struct {
		name  string
		vault *Vault
		label string
		nonce []byte
	}{
		{"wrong passphrase", newVault(t, "wrong-passphrase"), "gemini-cli", nonce},
		{"wrong label", v, "claude-code", nonce},
		{"short nonce", v, "gemini-cli", nonce[:4]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.vault.Open(tt.label, ciphertext, tt.nonce)
			if !errors.Is(err, ErrSealed) {
				t.Fatalf("expected ErrSealed, got %v", err)
			}
		})
	}
}

func TestEmptyPlaintext(t *testing.T) {
	v := newVault(t, "test")

	ciphertext, nonce, err := v.Seal("x", []byte{})
	if err != nil {
		t.Fatalf("seal empty: %v", err)
	}

	opened, err := v.Open("x", ciphertext, nonce)
	if err != nil {
		t.Fatalf("open empty: %v", err)
	}
	if len(opened) != 0 {
		t.Fatalf("expected empty, got %d bytes", len(opened))
	}
}
