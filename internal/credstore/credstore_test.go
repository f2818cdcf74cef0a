package credstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devdeck-tools/azdoconn/internal/crypto"
)

func newHelper() *Helper {
	return New(crypto.NewCipher(""), zap.NewNop())
}

func TestStoreAndReadSecret(t *testing.T) {
	t.Parallel()
	h := newHelper()
	settings := map[string]any{}

	require.NoError(t, h.StoreSecret(settings, "pat", "my-secret-token"))

	entry, ok := settings["pat"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, entry["encrypted"])
	assert.NotEqual(t, "my-secret-token", entry["value"], "value must be ciphertext")

	assert.Equal(t, "my-secret-token", h.ReadSecret(settings, "pat"))
}

func TestStoreSecret_EmptyValueDeletesKey(t *testing.T) {
	t.Parallel()
	h := newHelper()
	settings := map[string]any{}

	require.NoError(t, h.StoreSecret(settings, "pat", "something"))
	require.NoError(t, h.StoreSecret(settings, "pat", ""))

	_, exists := settings["pat"]
	assert.False(t, exists)
}

func TestReadSecret_NeverPropagatesFailures(t *testing.T) {
	t.Parallel()
	h := newHelper()

	cases := map[string]map[string]any{
		"absent key":       {},
		"plaintext string": {"pat": "raw-token"},
		"not encrypted":    {"pat": map[string]any{"encrypted": false, "value": "x"}},
		"corrupt blob":     {"pat": map[string]any{"encrypted": true, "value": "!!!corrupt!!!"}},
		"missing value":    {"pat": map[string]any{"encrypted": true}},
	}
	for name, settings := range cases {
		assert.Equal(t, "", h.ReadSecret(settings, "pat"), name)
	}
}

func TestIsExpired(t *testing.T) {
	t.Parallel()
	h := newHelper()

	fresh := map[string]any{"pat": map[string]any{
		"encrypted": true, "value": "x", "timestamp": time.Now().UnixMilli(),
	}}
	assert.False(t, h.IsExpired(fresh, "pat", 0))

	old := map[string]any{"pat": map[string]any{
		"encrypted": true, "value": "x",
		// float64: what a JSON round-trip produces
		"timestamp": float64(time.Now().Add(-91 * 24 * time.Hour).UnixMilli()),
	}}
	assert.True(t, h.IsExpired(old, "pat", 0))
	assert.False(t, h.IsExpired(old, "pat", 365*24*time.Hour))

	noTimestamp := map[string]any{"pat": map[string]any{"encrypted": true, "value": "x"}}
	assert.True(t, h.IsExpired(noTimestamp, "pat", 0))

	assert.True(t, h.IsExpired(map[string]any{}, "pat", 0))
}

func TestMigrateLegacyValue(t *testing.T) {
	t.Parallel()
	h := newHelper()

	settings := map[string]any{"pat": "legacy-plaintext-token"}
	migrated, err := h.MigrateLegacyValue(settings, "pat")
	require.NoError(t, err)
	assert.True(t, migrated)
	assert.Equal(t, "legacy-plaintext-token", h.ReadSecret(settings, "pat"))

	// Second pass is a no-op: the entry is no longer a plain string.
	migrated, err = h.MigrateLegacyValue(settings, "pat")
	require.NoError(t, err)
	assert.False(t, migrated)

	// Non-string values are untouched.
	settings2 := map[string]any{"interval": 30}
	migrated, err = h.MigrateLegacyValue(settings2, "interval")
	require.NoError(t, err)
	assert.False(t, migrated)
	assert.Equal(t, 30, settings2["interval"])
}
