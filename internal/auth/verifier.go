package auth

import (
	"crypto/ed25519"
	"encoding/base64"

	"inlet/internal/logger"
	"inlet/internal/project"
	"inlet/pkg/errors"
)

// Verifier checks an envelope signature against the verify key
// configured for the sending public key.
type Verifier interface {
	Verify(payload []byte, signature string, key *project.PublicKey) error
}

// Ed25519Verifier validates detached signatures carried on the ingest
// request. Keys and signatures travel base64 encoded.
type Ed25519Verifier struct {
	// RequireSignature rejects envelopes without a signature header.
	// When false, unsigned envelopes pass and signed ones are still
	// verified.
	RequireSignature bool

	logger logger.Logger
}

func NewEd25519Verifier(requireSignature bool, log logger.Logger) *Ed25519Verifier {
	return &Ed25519Verifier{
		RequireSignature: requireSignature,
		logger:           log,
	}
}

func (v *Ed25519Verifier) Verify(payload []byte, signature string, key *project.PublicKey) error {
	if signature == "" {
		if v.RequireSignature {
			return errors.ErrUnauthenticated.WithDetail("message", "missing envelope signature")
		}
		return nil
	}
	if key.VerifyKey == "" {
		return errors.ErrUnauthenticated.WithDetail("message", "key has no verify key configured")
	}

	rawKey, err := base64.StdEncoding.DecodeString(key.VerifyKey)
	if err != nil || len(rawKey) != ed25519.PublicKeySize {
		return errors.ErrUnauthenticated.WithDetail("message", "malformed verify key")
	}
	rawSig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(rawSig) != ed25519.SignatureSize {
		return errors.ErrUnauthenticated.WithDetail("message", "malformed envelope signature")
	}

	if !ed25519.Verify(ed25519.PublicKey(rawKey), payload, rawSig) {
		v.logger.Debugw("envelope signature mismatch", "key_id", key.ID)
		return errors.ErrUnauthenticated.WithDetail("message", "envelope signature mismatch")
	}
	return nil
}
