package infra

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/eliteGoblin/focusd/evpipe/internal/domain"
)

const (
	keyFileName = "stats.key"
	keySize     = 32 // 256-bit SQLCipher key

	// KeyEnvVar holds a hex-encoded stats key that overrides the key file.
	KeyEnvVar = "EVPIPE_STATS_KEY"
)

var errReadOnlyKey = errors.New("key provider is read-only")

// FileKeyProvider implements domain.KeyProvider using a local file.
// The key unlocks the statistics database and is stored base64-encoded with
// 0600 permissions in the stats directory.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for the given stats directory.
func NewFileKeyProvider(statsDir string) *FileKeyProvider {
	return &FileKeyProvider{
		keyPath: filepath.Join(statsDir, keyFileName),
	}
}

// GetKey reads the key from the key file.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	encoded, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, domain.E("key.Get", domain.KindIO, fmt.Errorf("failed to read key file: %w", err))
	}
	key, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, domain.E("key.Get", domain.KindConfig, fmt.Errorf("failed to decode key: %w", err))
	}
	if err := checkKeySize(key); err != nil {
		return nil, err
	}
	return key, nil
}

// StoreKey writes the key file with restricted permissions.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if err := checkKeySize(key); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return domain.E("key.Store", domain.KindIO, fmt.Errorf("failed to create key directory: %w", err))
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(p.keyPath, []byte(encoded), 0600); err != nil {
		return domain.E("key.Store", domain.KindIO, fmt.Errorf("failed to write key file: %w", err))
	}
	return nil
}

// KeyExists checks if the key file exists.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

// EnvKeyProvider reads a hex-encoded key from an environment variable. It
// cannot store keys.
type EnvKeyProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvKeyProvider creates a provider backed by KeyEnvVar.
func NewEnvKeyProvider(lookup func(string) (string, bool)) *EnvKeyProvider {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return &EnvKeyProvider{lookup: lookup}
}

// GetKey decodes the key from the environment.
func (p *EnvKeyProvider) GetKey() ([]byte, error) {
	v, ok := p.lookup(KeyEnvVar)
	if !ok {
		return nil, domain.E("key.Get", domain.KindConfig, fmt.Errorf("%s is not set", KeyEnvVar))
	}
	key, err := hex.DecodeString(v)
	if err != nil {
		return nil, domain.E("key.Get", domain.KindConfig, fmt.Errorf("failed to decode %s: %w", KeyEnvVar, err))
	}
	if err := checkKeySize(key); err != nil {
		return nil, err
	}
	return key, nil
}

// StoreKey always fails.
func (p *EnvKeyProvider) StoreKey([]byte) error {
	return domain.E("key.Store", domain.KindState, errReadOnlyKey)
}

// KeyExists reports whether the variable is set.
func (p *EnvKeyProvider) KeyExists() bool {
	_, ok := p.lookup(KeyEnvVar)
	return ok
}

// SelectKeyProvider prefers the environment key when it is set and falls back
// to the key file in statsDir.
func SelectKeyProvider(statsDir string, lookup func(string) (string, bool)) domain.KeyProvider {
	env := NewEnvKeyProvider(lookup)
	if env.KeyExists() {
		return env
	}
	return NewFileKeyProvider(statsDir)
}

// GenerateKey creates a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey generates and stores a key if one doesn't exist.
// Returns the key (existing or newly generated).
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

func checkKeySize(key []byte) error {
	if len(key) != keySize {
		return domain.E("key", domain.KindConfig, fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize))
	}
	return nil
}

// Ensure both providers implement domain.KeyProvider.
var (
	_ domain.KeyProvider = (*FileKeyProvider)(nil)
	_ domain.KeyProvider = (*EnvKeyProvider)(nil)
)
