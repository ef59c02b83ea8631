package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// CanonicalString builds the exact byte sequence both client and
// server sign. Fields are newline-joined:
//
//	UPPERCASE(method)
//	path below the service mount, with ?query verbatim when present
//	timestamp header (RFC 3339, verbatim)
//	nonce
//	hex SHA-256 of the raw body
//	lowercased agent id
func CanonicalString(method, pathWithQuery, timestamp, nonce, bodyHash, agentID string) []byte {
	fields := []string{
		strings.ToUpper(method),
		pathWithQuery,
		timestamp,
		nonce,
		bodyHash,
		strings.ToLower(agentID),
	}
	return []byte(strings.Join(fields, "\n"))
}

// BodyHash computes the lowercase hex SHA-256 of the raw request body
// bytes. The empty body hashes the empty string.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// BodyHashMatches compares the computed hash of body against a
// client-supplied hex digest in constant time. A malformed digest
// never matches.
func BodyHashMatches(body []byte, claimedHex string) bool {
	claimed, err := hex.DecodeString(claimedHex)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(body)
	return hmac.Equal(sum[:], claimed)
}
