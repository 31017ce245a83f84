package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Token layout: salt | iv | tag | ciphertext, all lengths fixed except the
// ciphertext. The token is the only form ever persisted.
const (
	saltLen = 16
	ivLen   = 12
	tagLen  = 16
	keyLen  = 32

	kdfIterations = 120_000
)

// ErrIntegrity indicates the authentication tag did not verify: tampering,
// a wrong master key, or corruption. Decryption never returns wrong
// plaintext silently.
var ErrIntegrity = errors.New("crypto: secret integrity check failed")

// ParseMasterKey decodes a hex- or base64-encoded master key. The key is
// supplied once at process start; callers treat a failure here as fatal.
func ParseMasterKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, errors.New("crypto: empty master key")
	}
	if key, err := hex.DecodeString(encoded); err == nil {
		return key, nil
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("crypto: master key is neither hex nor base64: %w", err)
	}
	return key, nil
}

// EncryptSecret encrypts plaintext under a per-call key derived from the
// master key and a fresh random salt. Each call also draws a fresh IV.
func EncryptSecret(plaintext string, masterKey []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	gcm, err := newGCM(masterKey, salt)
	if err != nil {
		return nil, err
	}

	// Seal appends the tag after the ciphertext; the token stores it in
	// front so all fixed-length components lead.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	token := make([]byte, 0, saltLen+ivLen+tagLen+len(ciphertext))
	token = append(token, salt...)
	token = append(token, iv...)
	token = append(token, tag...)
	token = append(token, ciphertext...)
	return token, nil
}

// DecryptSecret splits a token back into its components, re-derives the key
// from the embedded salt and authenticates with the embedded IV and tag.
func DecryptSecret(token []byte, masterKey []byte) (string, error) {
	if len(token) < saltLen+ivLen+tagLen {
		return "", ErrIntegrity
	}
	salt := token[:saltLen]
	iv := token[saltLen : saltLen+ivLen]
	tag := token[saltLen+ivLen : saltLen+ivLen+tagLen]
	ciphertext := token[saltLen+ivLen+tagLen:]

	gcm, err := newGCM(masterKey, salt)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(ciphertext)+tagLen)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrIntegrity
	}
	return string(plain), nil
}

func newGCM(masterKey, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(masterKey, salt, kdfIterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
