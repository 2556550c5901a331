package workflow

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Hasher turns passwords into verifiers and checks them back.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, verifier string) bool
}

const (
	argonTime    = 3
	argonMemory  = 32 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

var encoding = base64.RawStdEncoding

// Argon2Hasher stores verifiers as "salt$key", both base64 without padding.
type Argon2Hasher struct{}

// Hash derives a verifier for password using a fresh random salt.
func (Argon2Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return encoding.EncodeToString(salt) + "$" + encoding.EncodeToString(key), nil
}

// Verify reports whether password matches verifier.
func (Argon2Hasher) Verify(password, verifier string) bool {
	saltPart, keyPart, ok := strings.Cut(verifier, "$")
	if !ok || password == "" {
		return false
	}
	salt, err := encoding.DecodeString(saltPart)
	if err != nil {
		return false
	}
	want, err := encoding.DecodeString(keyPart)
	if err != nil || len(want) == 0 {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
