// Package auth manages named runtime secrets: values live in the config
// directory's .env file, encrypted at rest with NaCl secretbox under a
// machine key file. The /setAuth family of commands delegates here.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Values written by the broker carry this prefix; anything else in the .env
// file is a foreign key the broker must not touch.
const encPrefix = "enc:v1:"

// Broker reads and writes the .env secret file.
type Broker struct {
	envPath string
	keyPath string

	mu  sync.Mutex
	key *[KeySize]byte
}

// NewBroker builds a broker over envPath, keeping the machine key at keyPath.
func NewBroker(envPath, keyPath string) *Broker {
	return &Broker{envPath: envPath, keyPath: keyPath}
}

// machineKey loads the machine key, generating and persisting one on first
// use (mode 0600).
func (b *Broker) machineKey() ([KeySize]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var key [KeySize]byte
	if b.key != nil {
		return *b.key, nil
	}

	raw, err := os.ReadFile(b.keyPath)
	if err == nil {
		decoded, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
		if decErr != nil || len(decoded) != KeySize {
			return key, fmt.Errorf("machine key file %s is corrupt", b.keyPath)
		}
		copy(key[:], decoded)
		b.key = &key
		return key, nil
	}
	if !os.IsNotExist(err) {
		return key, fmt.Errorf("read machine key: %w", err)
	}

	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("generate machine key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.keyPath), 0o755); err != nil {
		return key, fmt.Errorf("create key dir: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key[:]) + "\n"
	if err := os.WriteFile(b.keyPath, []byte(encoded), 0o600); err != nil {
		return key, fmt.Errorf("write machine key: %w", err)
	}
	b.key = &key
	return key, nil
}

// Set stores a secret, encrypting the value. The key name is uppercased;
// foreign entries in the .env file are preserved.
func (b *Broker) Set(name, value string) error {
	key, err := b.machineKey()
	if err != nil {
		return err
	}
	ciphertext, nonce, err := EncryptSecret([]byte(value), key)
	if err != nil {
		return err
	}
	encoded := encPrefix +
		base64.StdEncoding.EncodeToString(nonce[:]) + ":" +
		base64.StdEncoding.EncodeToString(ciphertext)
	return b.merge(map[string]string{normalizeName(name): encoded}, nil)
}

// Unset removes a secret. Removing an unknown name is a no-op.
func (b *Broker) Unset(name string) error {
	return b.merge(nil, []string{normalizeName(name)})
}

// Get returns the decrypted secret value. Plaintext entries (written by hand
// or by other tools) come back as-is. Missing names return ("", false, nil).
func (b *Broker) Get(name string) (string, bool, error) {
	entries, err := b.read()
	if err != nil {
		return "", false, err
	}
	raw, ok := entries[normalizeName(name)]
	if !ok {
		return "", false, nil
	}
	if !strings.HasPrefix(raw, encPrefix) {
		return raw, true, nil
	}

	parts := strings.SplitN(strings.TrimPrefix(raw, encPrefix), ":", 2)
	if len(parts) != 2 {
		return "", false, fmt.Errorf("secret %s: malformed envelope", name)
	}
	nonceRaw, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonceRaw) != NonceSize {
		return "", false, fmt.Errorf("secret %s: malformed nonce", name)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false, fmt.Errorf("secret %s: malformed ciphertext", name)
	}

	key, err := b.machineKey()
	if err != nil {
		return "", false, err
	}
	var nonce [NonceSize]byte
	copy(nonce[:], nonceRaw)
	plaintext, err := DecryptSecret(ciphertext, nonce, key)
	if err != nil {
		return "", false, fmt.Errorf("secret %s: %w", name, err)
	}
	return string(plaintext), true, nil
}

// Check reports whether the secret exists and decrypts cleanly.
func (b *Broker) Check(name string) (bool, error) {
	_, ok, err := b.Get(name)
	return ok, err
}

// List returns the stored secret names, sorted.
func (b *Broker) List() ([]string, error) {
	entries, err := b.read()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Broker) read() (map[string]string, error) {
	entries, err := godotenv.Read(b.envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", b.envPath, err)
	}
	return entries, nil
}

// merge rewrites the .env file with upserts applied and removals dropped,
// keeping every other key. The file lands with mode 0600.
func (b *Broker) merge(upserts map[string]string, removals []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := godotenv.Read(b.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("read %s: %w", b.envPath, err)
		}
		entries = map[string]string{}
	}
	for k, v := range upserts {
		entries[k] = v
	}
	for _, k := range removals {
		delete(entries, k)
	}

	content, err := godotenv.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode %s: %w", b.envPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(b.envPath), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(b.envPath, []byte(content+"\n"), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", b.envPath, err)
	}
	return nil
}

func normalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
