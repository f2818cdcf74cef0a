// Package credstore provides secret helpers over a generic key-value settings
// object: encrypt-on-write, decrypt-on-read, age checks and one-shot migration
// of legacy plaintext values.
package credstore

import (
	"time"

	"go.uber.org/zap"

	"github.com/devdeck-tools/azdoconn/internal/crypto"
)

// DefaultMaxAge is how long a stored secret is considered fresh.
const DefaultMaxAge = 90 * 24 * time.Hour

// Helper operates on settings maps as the host hands them over. It never
// throws decryption failures past its boundary; a broken blob reads as "".
type Helper struct {
	cipher *crypto.Cipher
	log    *zap.Logger
}

// New returns a Helper bound to the given cipher.
func New(cipher *crypto.Cipher, log *zap.Logger) *Helper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Helper{cipher: cipher, log: log}
}

// StoreSecret encrypts value and replaces settings[key] with an encrypted
// entry. An empty value deletes the key entirely.
func (h *Helper) StoreSecret(settings map[string]any, key, value string) error {
	if value == "" {
		delete(settings, key)
		return nil
	}
	blob, err := h.cipher.Encrypt(value)
	if err != nil {
		return err
	}
	settings[key] = map[string]any{
		"encrypted": true,
		"value":     blob,
		"timestamp": time.Now().UnixMilli(),
	}
	return nil
}

// ReadSecret decrypts settings[key] if it holds an encrypted entry. Absent
// keys, plaintext leftovers and undecryptable blobs all read as "" — a caller
// asking "is there a credential" must never crash on corrupted state.
func (h *Helper) ReadSecret(settings map[string]any, key string) string {
	entry, ok := settings[key].(map[string]any)
	if !ok {
		return ""
	}
	if enc, _ := entry["encrypted"].(bool); !enc {
		return ""
	}
	blob, _ := entry["value"].(string)
	if blob == "" {
		return ""
	}
	plaintext, err := h.cipher.Decrypt(blob)
	if err != nil {
		h.log.Warn("failed to decrypt stored secret", zap.String("key", key), zap.Error(err))
		return ""
	}
	return plaintext
}

// IsExpired reports whether the secret under key is older than maxAge
// (DefaultMaxAge when maxAge <= 0). Entries without a timestamp count as
// expired.
func (h *Helper) IsExpired(settings map[string]any, key string, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	entry, ok := settings[key].(map[string]any)
	if !ok {
		return true
	}
	ts, ok := entryTimestamp(entry["timestamp"])
	if !ok {
		return true
	}
	return time.Since(time.UnixMilli(ts)) > maxAge
}

// MigrateLegacyValue rewrites a plaintext string stored directly under key
// through the encrypt-and-store path. Already-encrypted entries and
// non-string values are left untouched. Returns whether a migration happened.
func (h *Helper) MigrateLegacyValue(settings map[string]any, key string) (bool, error) {
	plain, ok := settings[key].(string)
	if !ok || plain == "" {
		return false, nil
	}
	if err := h.StoreSecret(settings, key, plain); err != nil {
		return false, err
	}
	h.log.Info("migrated legacy plaintext secret", zap.String("key", key))
	return true, nil
}

// entryTimestamp tolerates both int64 (in-process) and float64 (JSON round-trip).
func entryTimestamp(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}
