package security

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stock-tracker/internal/models"
)

func TestEncryptDecrypt(t *testing.T) {
	sealed, err := Encrypt("app-secret", "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "hunter2")

	again, err := Encrypt("app-secret", "hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per call")

	plain, err := Decrypt("app-secret", sealed)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestDecrypt_WrongSecretOrTampered(t *testing.T) {
	sealed, err := Encrypt("app-secret", "hunter2")
	require.NoError(t, err)

	_, err = Decrypt("other-secret", sealed)
	assert.ErrorIs(t, err, ErrDecrypt)

	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	_, err = Decrypt("app-secret", base64.RawURLEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = Decrypt("app-secret", "not base64 !!")
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = Decrypt("app-secret", "AAAA")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEncrypt_Edges(t *testing.T) {
	_, err := Encrypt("", "x")
	assert.True(t, models.IsConfigurationError(err))

	out, err := Encrypt("s", "")
	require.NoError(t, err)
	assert.Empty(t, out)

	plain, err := Decrypt("s", "")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestCredentials_NeverPrintPassword(t *testing.T) {
	c := Credentials{Email: "me@example.com", Password: "hunter2"}

	for _, verb := range []string{"%v", "%+v", "%#v", "%s"} {
		out := fmt.Sprintf(verb, c)
		assert.NotContains(t, out, "hunter2", verb)
		assert.Contains(t, out, "me@example.com", verb)
	}
	assert.NotContains(t, fmt.Sprintf("%v", &c), "hunter2")
	assert.False(t, c.Empty())
	assert.True(t, Credentials{Email: "x"}.Empty())
}

func TestCredentialSource(t *testing.T) {
	sealed, err := Encrypt("app-secret", "hunter2")
	require.NoError(t, err)

	creds, err := NewCredentialSource("app-secret", "me@example.com", sealed).Credentials()
	require.NoError(t, err)
	assert.Equal(t, "hunter2", creds.Password)

	_, err = NewCredentialSource("app-secret", "", sealed).Credentials()
	assert.True(t, models.IsConfigurationError(err))

	_, err = NewCredentialSource("rotated", "me@example.com", sealed).Credentials()
	assert.True(t, models.IsConfigurationError(err))

	var nilSource *CredentialSource
	_, err = nilSource.Credentials()
	assert.True(t, models.IsConfigurationError(err))
}
