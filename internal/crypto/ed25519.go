package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	ErrInvalidPublicKey = errors.New("invalid Ed25519 public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// AlgEd25519 is the only signature algorithm the gateway accepts.
const AlgEd25519 = "ed25519"

// PublicKeyFromSPKI extracts the raw 32-byte verification key from a
// DER/SPKI-encoded blob. SPKI wraps the key material in a fixed
// algorithm preamble, so the raw key is always the trailing
// ed25519.PublicKeySize bytes.
func PublicKeyFromSPKI(der []byte) (ed25519.PublicKey, error) {
	if len(der) < ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrInvalidPublicKey, len(der), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(der[len(der)-ed25519.PublicKeySize:]), nil
}

// VerifySignature checks a base64-encoded detached signature over
// signed against pubkey. Every failure mode collapses into
// ErrInvalidSignature so callers cannot tell which field was wrong.
func VerifySignature(pubkey ed25519.PublicKey, signed []byte, signatureB64 string) error {
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return ErrInvalidSignature
	}
	if len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(pubkey, signed, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// MarshalSPKI wraps a raw ed25519 public key in the standard SPKI DER
// preamble. Used by provisioning tools; the gateway itself only reads.
func MarshalSPKI(pubkey ed25519.PublicKey) []byte {
	// SPKI prefix for the ed25519 AlgorithmIdentifier (RFC 8410).
	prefix := []byte{
		0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00,
	}
	return append(prefix, pubkey...)
}
