package crypto

import (
	"strings"

	"github.com/google/uuid"
)

// threadNamespace is the fixed namespace for name-based thread ids.
// Changing it would re-key every conversation, so it never changes.
var threadNamespace = uuid.MustParse("8b37a6e4-0d42-4b6f-9367-2c5d91f00a1c")

// ChannelKey derives the order-independent key for a two-party
// conversation: "dm:" + the lexicographically sorted, lowercased pair.
func ChannelKey(a, b string) string {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a > b {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

// ThreadID maps an agent pair to its stable thread id: a name-based
// (SHA-1, version 5) UUID of the channel key under threadNamespace.
// Pure function of the unordered pair; identical for any argument
// order or letter case.
func ThreadID(a, b string) uuid.UUID {
	return uuid.NewSHA1(threadNamespace, []byte(ChannelKey(a, b)))
}
