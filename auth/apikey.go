package auth

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidKey covers every API key failure: unknown id, wrong
// secret, malformed presentation. Collapsed on purpose so responses
// never reveal which part was wrong.
var ErrInvalidKey = errors.New("auth: invalid api key")

type keyEntry struct {
	hash []byte
	role string
}

// KeyStore verifies presented API keys against bcrypt hashes. Keys are
// presented as "id.secret": the id selects the hash, the secret is
// compared against it. Only hashes are ever stored.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]keyEntry
}

func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string]keyEntry)}
}

// Add hashes secret at the default cost and registers it under id.
func (ks *KeyStore) Add(id, role, secret string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("auth: hash key %s: %w", id, err)
	}
	ks.AddHash(id, role, hash)
	return nil
}

// AddHash registers a pre-computed bcrypt hash under id, replacing any
// previous entry.
func (ks *KeyStore) AddHash(id, role string, hash []byte) {
	ks.mu.Lock()
	ks.keys[id] = keyEntry{hash: hash, role: role}
	ks.mu.Unlock()
}

// Remove drops id and reports whether it was present.
func (ks *KeyStore) Remove(id string) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	_, ok := ks.keys[id]
	delete(ks.keys, id)
	return ok
}

func (ks *KeyStore) Len() int {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.keys)
}

// Verify checks a presented "id.secret" key and returns the id and
// role on success. Every failure is ErrInvalidKey.
func (ks *KeyStore) Verify(presented string) (id, role string, err error) {
	id, secret, ok := strings.Cut(presented, ".")
	if !ok || id == "" || secret == "" {
		return "", "", ErrInvalidKey
	}

	ks.mu.RLock()
	entry, found := ks.keys[id]
	ks.mu.RUnlock()
	if !found {
		return "", "", ErrInvalidKey
	}

	if bcrypt.CompareHashAndPassword(entry.hash, []byte(secret)) != nil {
		return "", "", ErrInvalidKey
	}
	return id, entry.role, nil
}

// NewKey mints a random secret for id and returns the presentable key
// alongside the bcrypt hash to persist. The plaintext secret exists
// only in the returned string.
func NewKey(id string) (presented string, hash []byte, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("auth: generate key: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	hash, err = bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("auth: hash key %s: %w", id, err)
	}
	return id + "." + secret, hash, nil
}

// LoadKeyFile reads "id:role:bcrypt-hash" lines into the store. Blank
// lines and #-comments are skipped. Bcrypt hashes contain no colons,
// so the format needs no escaping.
func (ks *KeyStore) LoadKeyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("auth: open key file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		parts := strings.SplitN(text, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return fmt.Errorf("auth: %s:%d: want id:role:hash", path, line)
		}
		ks.AddHash(parts[0], parts[1], []byte(parts[2]))
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("auth: read key file: %w", err)
	}
	return nil
}
