package auth

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the secretbox key length.
	KeySize = 32
	// NonceSize is the secretbox nonce length.
	NonceSize = 24
)

// EncryptSecret seals plaintext with a fresh random nonce under key.
func EncryptSecret(plaintext []byte, key [KeySize]byte) (ciphertext []byte, nonce [NonceSize]byte, err error) {
	if _, err = rand.Read(nonce[:]); err != nil {
		return nil, nonce, fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext = secretbox.Seal(nil, plaintext, &nonce, &key)
	return ciphertext, nonce, nil
}

// DecryptSecret opens a sealed box. Fails when the key or nonce is wrong or
// the ciphertext was tampered with.
func DecryptSecret(ciphertext []byte, nonce [NonceSize]byte, key [KeySize]byte) ([]byte, error) {
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, fmt.Errorf("decrypt secret: authentication failed")
	}
	return plaintext, nil
}
