// Package credentials seals and opens account credential material.
//
// Credentials live encrypted on the account row (AES-256-GCM, random
// nonce prepended to the ciphertext). Plaintext is handed out with scoped
// release and must never reach a log line.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/upload-orchestrator/internal/domain"
)

// Store implements domain.CredentialStore with a 32-byte master key.
type Store struct {
	aead     cipher.AEAD
	accounts domain.AccountRepository
}

// New builds a Store; key must be exactly 32 bytes.
func New(key []byte, accounts domain.AccountRepository) (*Store, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("op=credentials.New: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("op=credentials.New: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("op=credentials.New: %w", err)
	}
	return &Store{aead: aead, accounts: accounts}, nil
}

type payload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Cookies  []byte `json:"cookies,omitempty"`
}

// Seal encrypts credential material for storage on an account row.
func (s *Store) Seal(p domain.Plaintext) ([]byte, error) {
	raw, err := json.Marshal(payload{Email: p.Email, Password: p.Password, Cookies: p.Cookies})
	if err != nil {
		return nil, fmt.Errorf("op=credentials.Seal: %w", err)
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("op=credentials.Seal: %w", err)
	}
	return s.aead.Seal(nonce, nonce, raw, nil), nil
}

// Open decrypts a sealed blob.
func (s *Store) Open(sealed []byte) (*domain.Plaintext, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("op=credentials.Open: blob too short")
	}
	raw, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("op=credentials.Open: %w", err)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("op=credentials.Open: %w", err)
	}
	return &domain.Plaintext{Email: p.Email, Password: p.Password, Cookies: p.Cookies}, nil
}

// Load fetches the account and decrypts its credentials.
func (s *Store) Load(ctx domain.Context, accountID string) (*domain.Plaintext, error) {
	a, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("op=credentials.Load: %w", err)
	}
	if len(a.EncryptedCredentials) == 0 {
		return nil, fmt.Errorf("op=credentials.Load: account %s has no credentials: %w", accountID, domain.ErrNotFound)
	}
	return s.Open(a.EncryptedCredentials)
}

var _ domain.CredentialStore = (*Store)(nil)
