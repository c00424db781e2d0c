// Package secrets seals per-server credentials so they are only
// recoverable when both the owning user's password and the admin
// password are presented. The ciphertext carries two AES-GCM layers:
// the inner layer is keyed from the user password, the outer layer from
// the admin password, so rotating the admin password re-wraps the outer
// layer without touching the inner one.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	keySize    = 32
	iterations = 64_000
)

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)
}

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, trace.Wrap(err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, trace.CompareFailed("ciphertext truncated")
	}
	plaintext, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], nil)
	if err != nil {
		return nil, trace.CompareFailed("decryption failed")
	}
	return plaintext, nil
}

// Seal encrypts plaintext under the user password, then wraps the
// result under the admin password. The returned blob is self-contained:
// both derivation salts travel with it.
func Seal(plaintext, userPassword, adminPassword string) ([]byte, error) {
	userSalt := make([]byte, saltSize)
	adminSalt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, userSalt); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := io.ReadFull(rand.Reader, adminSalt); err != nil {
		return nil, trace.Wrap(err)
	}

	inner, err := seal(deriveKey(userPassword, userSalt), []byte(plaintext))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	outer, err := seal(deriveKey(adminPassword, adminSalt), inner)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	blob := make([]byte, 0, 2*saltSize+len(outer))
	blob = append(blob, userSalt...)
	blob = append(blob, adminSalt...)
	blob = append(blob, outer...)
	return blob, nil
}

// Open reverses Seal. A wrong password at either layer, or a corrupted
// blob, yields a CompareFailed error; callers treat that as a missing
// mapping and never retry.
func Open(blob []byte, userPassword, adminPassword string) (string, error) {
	if len(blob) < 2*saltSize {
		return "", trace.CompareFailed("ciphertext truncated")
	}
	userSalt := blob[:saltSize]
	adminSalt := blob[saltSize : 2*saltSize]

	inner, err := open(deriveKey(adminPassword, adminSalt), blob[2*saltSize:])
	if err != nil {
		return "", trace.Wrap(err)
	}
	plaintext, err := open(deriveKey(userPassword, userSalt), inner)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(plaintext), nil
}
