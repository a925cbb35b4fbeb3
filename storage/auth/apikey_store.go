package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownKey    = errors.New("api key not found")
	ErrKeyRequired   = errors.New("api key required")
	ErrWalletMissing = errors.New("wallet address required")
)

// Credential is what an API key resolves to. Keys themselves are never
// stored; only their SHA-256 digest is.
type Credential struct {
	Wallet    common.Address `json:"wallet"`
	Label     string         `json:"label,omitempty"`
	Source    string         `json:"source,omitempty"` // e.g. "seed", "issued"
	CreatedAt time.Time      `json:"created_at"`
}

// Resolver maps an API key to the wallet acting through it.
type Resolver interface {
	Resolve(ctx context.Context, key string) (Credential, error)
}

// KeyStore issues, seeds and revokes API keys.
type KeyStore interface {
	Resolver
	Issue(ctx context.Context, wallet common.Address, label string) (string, Credential, error)
	Seed(ctx context.Context, key string, wallet common.Address, source string) error
	Revoke(ctx context.Context, key string) error
}

// MemoryKeyStore provides in-memory API key resolution.
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]Credential // keyed by digest
}

// NewMemoryKeyStore constructs an empty store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]Credential)}
}

func (s *MemoryKeyStore) Resolve(_ context.Context, key string) (Credential, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Credential{}, ErrKeyRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.keys[digest(key)]
	if !ok {
		return Credential{}, ErrUnknownKey
	}
	return c, nil
}

// Issue creates and stores a new random key bound to wallet.
func (s *MemoryKeyStore) Issue(_ context.Context, wallet common.Address, label string) (string, Credential, error) {
	if wallet == (common.Address{}) {
		return "", Credential{}, ErrWalletMissing
	}
	key, err := generateKey()
	if err != nil {
		return "", Credential{}, err
	}
	c := Credential{Wallet: wallet, Label: label, Source: "issued", CreatedAt: time.Now().UTC()}
	s.mu.Lock()
	s.keys[digest(key)] = c
	s.mu.Unlock()
	return key, c, nil
}

// Seed binds a pre-shared key, e.g. from configuration. Re-seeding a key
// rebinds it.
func (s *MemoryKeyStore) Seed(_ context.Context, key string, wallet common.Address, source string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrKeyRequired
	}
	if wallet == (common.Address{}) {
		return ErrWalletMissing
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[digest(key)] = Credential{Wallet: wallet, Source: source, CreatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryKeyStore) Revoke(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := digest(strings.TrimSpace(key))
	if _, ok := s.keys[d]; !ok {
		return ErrUnknownKey
	}
	delete(s.keys, d)
	return nil
}

func digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func generateKey() (string, error) {
	b := make([]byte, 32) // 256-bit key
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

var _ KeyStore = (*MemoryKeyStore)(nil)
