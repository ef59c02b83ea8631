package toaklink

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Signature header names. These match what the gateway verifies.
const (
	HeaderAgentID   = "X-Agent-Id"
	HeaderSignature = "X-Agent-Signature"
	HeaderAlg       = "X-Signature-Alg"
	HeaderTimestamp = "X-Signature-Timestamp"
	HeaderNonce     = "X-Signature-Nonce"
	HeaderBodyHash  = "X-Signature-Body-Hash"
)

// SignRequest builds the signature headers for one gateway request.
// path is relative to the /v1/toaklink mount and must include the
// query string when there is one, exactly as sent on the wire.
func SignRequest(priv ed25519.PrivateKey, agentID, method, path string, body []byte, now time.Time) (http.Header, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("toaklink: no private key loaded")
	}
	if agentID == "" {
		return nil, errors.New("toaklink: no agent id configured")
	}

	sum := sha256.Sum256(body)
	bodyHash := hex.EncodeToString(sum[:])
	nonce := nonceHex()
	timestamp := now.UTC().Format(time.RFC3339)

	payload := canonicalString(method, path, timestamp, nonce, bodyHash, agentID)
	sig := ed25519.Sign(priv, payload)

	headers := http.Header{}
	headers.Set(HeaderAgentID, strings.ToLower(agentID))
	headers.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig))
	headers.Set(HeaderAlg, "ed25519")
	headers.Set(HeaderTimestamp, timestamp)
	headers.Set(HeaderNonce, nonce)
	headers.Set(HeaderBodyHash, bodyHash)
	return headers, nil
}

// canonicalString joins the signed fields with newlines. The server
// rebuilds the same bytes from the request it received.
func canonicalString(method, pathWithQuery, timestamp, nonce, bodyHash, agentID string) []byte {
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
