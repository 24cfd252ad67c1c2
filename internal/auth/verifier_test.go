package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inlet/internal/logger"
	"inlet/internal/project"
)

func signedPayload(t *testing.T) ([]byte, string, *project.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload := []byte("envelope bytes")
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, payload))
	key := &project.PublicKey{
		ID:        "key-1",
		VerifyKey: base64.StdEncoding.EncodeToString(pub),
		Enabled:   true,
	}
	return payload, sig, key
}

func TestVerify_ValidSignature(t *testing.T) {
	payload, sig, key := signedPayload(t)
	v := NewEd25519Verifier(true, logger.NopLogger())

	assert.NoError(t, v.Verify(payload, sig, key))
}

func TestVerify_TamperedPayload(t *testing.T) {
	payload, sig, key := signedPayload(t)
	v := NewEd25519Verifier(true, logger.NopLogger())

	tampered := append([]byte{}, payload...)
	tampered[0] ^= 0xff
	assert.Error(t, v.Verify(tampered, sig, key))
}

func TestVerify_WrongKey(t *testing.T) {
	payload, sig, _ := signedPayload(t)
	_, _, otherKey := signedPayload(t)
	v := NewEd25519Verifier(true, logger.NopLogger())

	assert.Error(t, v.Verify(payload, sig, otherKey))
}

func TestVerify_MissingSignature(t *testing.T) {
	payload, _, key := signedPayload(t)

	strict := NewEd25519Verifier(true, logger.NopLogger())
	assert.Error(t, strict.Verify(payload, "", key), "required signatures reject unsigned envelopes")

	lenient := NewEd25519Verifier(false, logger.NopLogger())
	assert.NoError(t, lenient.Verify(payload, "", key), "optional signatures admit unsigned envelopes")
}

func TestVerify_SignedEnvelopeStillCheckedWhenOptional(t *testing.T) {
	payload, sig, key := signedPayload(t)
	_, _, otherKey := signedPayload(t)

	lenient := NewEd25519Verifier(false, logger.NopLogger())
	require.NoError(t, lenient.Verify(payload, sig, key))
	assert.Error(t, lenient.Verify(payload, sig, otherKey), "a present signature is always verified")
}

func TestVerify_MalformedInputs(t *testing.T) {
	payload, sig, key := signedPayload(t)
	v := NewEd25519Verifier(true, logger.NopLogger())

	tests := []struct {
		name string
		sig  string
		key  *project.PublicKey
	}{
		{
			name: "signature not base64",
			sig:  "%%%not-base64%%%",
			key:  key,
		},
		{
			name: "signature wrong length",
			sig:  base64.StdEncoding.EncodeToString([]byte("short")),
			key:  key,
		},
		{
			name: "verify key not base64",
			sig:  sig,
			key:  &project.PublicKey{ID: "k", VerifyKey: "!!!", Enabled: true},
		},
		{
			name: "verify key missing",
			sig:  sig,
			key:  &project.PublicKey{ID: "k", Enabled: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, v.Verify(payload, tt.sig, tt.key))
		})
	}
}
