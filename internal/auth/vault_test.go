package auth

import (
	"errors"
	"sync"
	"testing"
)

type memorySecrets struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemorySecrets() *memorySecrets { return &memorySecrets{blobs: map[string][]byte{}} }

var errMissing = errors.New("missing")

func (m *memorySecrets) Secret(userID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[userID]
	if !ok {
		return nil, errMissing
	}
	return b, nil
}

func (m *memorySecrets) SaveSecret(userID string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[userID] = blob
	return nil
}

func TestVaultRoundTrip(t *testing.T) {
	t.Parallel()
	secrets := newMemorySecrets()
	vault := Vault{Secrets: secrets, Password: "vault-password"}
	in := Session{UserID: "u1", RefreshToken: "rt"}
	if err := vault.Save(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	if string(secrets.blobs["u1"]) == "" {
		t.Fatal("expected encrypted blob")
	}
	out, err := vault.Load("u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if out.UserID != in.UserID || out.RefreshToken != in.RefreshToken {
		t.Fatalf("round-trip mismatch: got %+v want %+v", out, in)
	}
	wrong := Vault{Secrets: secrets, Password: "wrong-password"}
	if _, err := wrong.Load("u1"); err == nil {
		t.Fatal("expected decrypt error with wrong password")
	}
}

func TestVaultMissingSession(t *testing.T) {
	t.Parallel()
	vault := Vault{Secrets: newMemorySecrets(), Password: "pw"}
	if _, err := vault.Load("nobody"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if err := vault.Save(Session{}); err == nil {
		t.Fatal("expected error for session without user id")
	}
}
