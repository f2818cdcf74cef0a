// Package crypto implements authenticated encryption of personal access tokens.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/devdeck-tools/azdoconn/internal/errs"
)

// Blob layout: base64( salt[32] || iv[16] || tag[16] || ciphertext ).
// Changing any of these offsets is a breaking format change.
const (
	saltLen = 32
	ivLen   = 16
	tagLen  = 16
	keyLen  = 32

	minBlobLen = saltLen + ivLen + tagLen
)

// scrypt parameters (memory-hard KDF; slow by intent).
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// defaultPassphrase is the built-in master passphrase used when the host
// provides none. Secrets encrypted with it are protected against casual
// settings-file inspection, not against an attacker with local code execution.
const defaultPassphrase = "azdoconn-credential-cipher-v1"

// Token format bounds: syntactic check only, no network involved.
const (
	tokenMinLen = 20
	tokenMaxLen = 256
)

var tokenCharset = regexp.MustCompile(`^[A-Za-z0-9+/=_.-]+$`)

// Cipher encrypts and decrypts a single secret string using a key derived
// from a fixed master passphrase. Stateless and safe for concurrent use.
type Cipher struct {
	passphrase []byte
}

// NewCipher returns a Cipher for the given master passphrase; an empty
// passphrase falls back to the built-in one.
func NewCipher(passphrase string) *Cipher {
	if passphrase == "" {
		passphrase = defaultPassphrase
	}
	return &Cipher{passphrase: []byte(passphrase)}
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// deriveKey derives the AES key from the master passphrase and a per-blob salt.
func (c *Cipher) deriveKey(salt []byte) ([]byte, error) {
	return scrypt.Key(c.passphrase, salt, scryptN, scryptR, scryptP, keyLen)
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key, err := c.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivLen)
}

// Encrypt turns plaintext into an opaque base64 blob. Salt and IV are fresh
// on every call, so two encryptions of the same plaintext never match.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	salt, err := RandBytes(saltLen)
	if err != nil {
		return "", fmt.Errorf("%w: salt: %v", errs.ErrEncrypt, err)
	}
	iv, err := RandBytes(ivLen)
	if err != nil {
		return "", fmt.Errorf("%w: iv: %v", errs.ErrEncrypt, err)
	}
	aead, err := c.aead(salt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrEncrypt, err)
	}

	// Seal returns ciphertext||tag; the blob stores the tag before the
	// ciphertext, so split and reorder.
	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	blob := make([]byte, 0, minBlobLen+len(ct))
	blob = append(blob, salt...)
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ct...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt. Malformed blobs, bad base64 and tag mismatches
// all wrap ErrDecrypt; no partial plaintext ever escapes on failure.
func (c *Cipher) Decrypt(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: bad base64: %v", errs.ErrDecrypt, err)
	}
	if len(raw) < minBlobLen {
		return "", fmt.Errorf("%w: blob too short (%d bytes)", errs.ErrDecrypt, len(raw))
	}

	salt := raw[:saltLen]
	iv := raw[saltLen : saltLen+ivLen]
	tag := raw[saltLen+ivLen : minBlobLen]
	ct := raw[minBlobLen:]

	aead, err := c.aead(salt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrDecrypt, err)
	}

	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", errs.ErrDecrypt)
	}
	return string(plaintext), nil
}

// ValidateTokenFormat is a syntactic PAT check: trimmed length within bounds
// and a restricted character set. It never calls the network.
func ValidateTokenFormat(token string) bool {
	t := strings.TrimSpace(token)
	if len(t) < tokenMinLen || len(t) > tokenMaxLen {
		return false
	}
	return tokenCharset.MatchString(t)
}
