package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

var ErrNoSession = errors.New("no stored session")

// Session is the per-user credential material kept in the vault. Access
// tokens are short-lived and stay in the Refresher's memory.
type Session struct {
	UserID       string `json:"user_id"`
	RefreshToken string `json:"refresh_token"`
}

// SecretStore holds opaque encrypted blobs keyed by user id.
type SecretStore interface {
	Secret(userID string) ([]byte, error)
	SaveSecret(userID string, blob []byte) error
}

// Vault encrypts sessions with a key derived from Password before handing
// them to the secret store.
type Vault struct {
	Secrets  SecretStore
	Password string
}

func (v Vault) Save(session Session) error {
	if v.Secrets == nil {
		return fmt.Errorf("vault secret store is required")
	}
	if session.UserID == "" {
		return fmt.Errorf("session user id is required")
	}
	plaintext, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	blob, err := seal(v.Password, plaintext)
	if err != nil {
		return err
	}
	if err := v.Secrets.SaveSecret(session.UserID, blob); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

func (v Vault) Load(userID string) (Session, error) {
	if v.Secrets == nil {
		return Session{}, fmt.Errorf("vault secret store is required")
	}
	blob, err := v.Secrets.Secret(userID)
	if err != nil {
		return Session{}, fmt.Errorf("read session %s: %w: %w", userID, ErrNoSession, err)
	}
	plaintext, err := open(v.Password, blob)
	if err != nil {
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal(plaintext, &session); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}

func seal(password string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return append(append(salt, nonce...), ciphertext...), nil
}

func open(password string, blob []byte) ([]byte, error) {
	if len(blob) < saltSize {
		return nil, fmt.Errorf("invalid encrypted session")
	}
	gcm, err := newGCM(password, blob[:saltSize])
	if err != nil {
		return nil, err
	}
	if len(blob) < saltSize+gcm.NonceSize() {
		return nil, fmt.Errorf("invalid encrypted session")
	}
	nonce := blob[saltSize : saltSize+gcm.NonceSize()]
	plaintext, err := gcm.Open(nil, nonce, blob[saltSize+gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt session: %w", err)
	}
	return plaintext, nil
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, 3, 64*1024, 4, 32)
}
