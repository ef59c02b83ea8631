package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// KeyID derives the stored lookup token for a raw API key:
// hex(HMAC-SHA256(pepper, rawKey)). The derivation is one-way, so a
// leaked database never exposes usable credentials, and keyed, so a
// leaked database alone cannot even be used as a lookup oracle.
func KeyID(pepper, rawKey string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}
