package apisigner

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vault-cosigner/pkg/crypto_util"
	"vault-cosigner/pkg/errno"
)

func TestCanonicalPayload(t *testing.T) {
	got := CanonicalPayload("/api/v1/transactions", 1700000000000, `{"a":1}`)
	assert.Equal(t, `/api/v1/transactions|1700000000000|{"a":1}`, got)
}

func TestSignRSAVerifies(t *testing.T) {
	priv, pub, err := crypto_util.GenerateRSAKeyPair(2048)
	require.NoError(t, err)
	pemKey := crypto_util.ExportRSAPrivateKeyAsPEM(priv)

	sig, err := Sign("/api/v1/transactions", 1700000000000, `{"a":1}`, pemKey)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	payload := []byte(`/api/v1/transactions|1700000000000|{"a":1}`)
	assert.NoError(t, crypto_util.VerifySHA256(pub, payload, raw))

	again, err := Sign("/api/v1/transactions", 1700000000000, `{"a":1}`, pemKey)
	require.NoError(t, err)
	assert.Equal(t, sig, again, "RSA signatures must be deterministic")

	other, err := Sign("/api/v1/transactions", 1700000000001, `{"a":1}`, pemKey)
	require.NoError(t, err)
	assert.NotEqual(t, sig, other)
}

func TestSignerECDSA(t *testing.T) {
	priv, pub, err := crypto_util.GenerateECDSAKeyPair()
	require.NoError(t, err)
	pemKey, err := crypto_util.ExportPrivateKeyAsPEM(priv)
	require.NoError(t, err)

	s, err := NewSigner([]byte(pemKey))
	require.NoError(t, err)
	assert.Equal(t, pub, s.Public())

	sig, err := s.Sign("/api/v1/transactions", 42, "{}")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(sig)
	require.NoError(t, err)
	assert.NoError(t, crypto_util.VerifySHA256(pub, []byte("/api/v1/transactions|42|{}"), raw))
}

func TestSignInvalidKey(t *testing.T) {
	_, err := Sign("/p", 1, "{}", "-----BEGIN NOTHING-----")
	assert.ErrorIs(t, err, errno.ErrSigning)

	_, err = NewSigner(nil)
	assert.ErrorIs(t, err, errno.ErrSigning)
}
