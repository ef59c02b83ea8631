package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func generateTestKeypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return pub, priv
}

func TestCanonicalString(t *testing.T) {
	got := CanonicalString("post", "/send", "2026-01-02T15:04:05Z", "abc123", "deadbeef", "Alice")
	want := "POST\n/send\n2026-01-02T15:04:05Z\nabc123\ndeadbeef\nalice"
	if string(got) != want {
		t.Fatalf("canonical string mismatch:\ngot  %q\nwant %q", got, want)
	}
}

func TestCanonicalStringKeepsQuery(t *testing.T) {
	got := CanonicalString("GET", "/recent/alice?limit=5", "2026-01-02T15:04:05Z", "n", "h", "alice")
	if !bytes.Contains(got, []byte("/recent/alice?limit=5")) {
		t.Fatalf("query string dropped from canonical form: %q", got)
	}
}

func TestBodyHashEmptyBody(t *testing.T) {
	// SHA-256 of the empty string.
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := BodyHash(nil); got != want {
		t.Fatalf("empty body hash: got %s, want %s", got, want)
	}
	if got := BodyHash([]byte{}); got != want {
		t.Fatalf("empty slice hash: got %s, want %s", got, want)
	}
}

func TestBodyHashMatches(t *testing.T) {
	body := []byte(`{"to":"bob","message":"hi"}`)
	if !BodyHashMatches(body, BodyHash(body)) {
		t.Fatal("hash of body should match itself")
	}
	if BodyHashMatches([]byte("tampered"), BodyHash(body)) {
		t.Fatal("tampered body should not match")
	}
	if BodyHashMatches(body, "not-hex!") {
		t.Fatal("malformed hex digest should never match")
	}
	if BodyHashMatches(body, BodyHash(body)[:32]) {
		t.Fatal("truncated digest should not match")
	}
}

func TestSPKIRoundTrip(t *testing.T) {
	pub, _ := generateTestKeypair(t)

	der := MarshalSPKI(pub)
	if len(der) != 12+ed25519.PublicKeySize {
		t.Fatalf("unexpected SPKI length %d", len(der))
	}

	got, err := PublicKeyFromSPKI(der)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pub) {
		t.Fatal("extracted key differs from original")
	}
}

func TestPublicKeyFromSPKITooShort(t *testing.T) {
	if _, err := PublicKeyFromSPKI(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short blob")
	}
}

func TestVerifySignature(t *testing.T) {
	pub, priv := generateTestKeypair(t)
	msg := CanonicalString("POST", "/send", "2026-01-02T15:04:05Z", "n1", "h1", "alice")
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))

	if err := VerifySignature(pub, msg, sig); err != nil {
		t.Fatal(err)
	}
}

func TestVerifySignatureFailures(t *testing.T) {
	pub, priv := generateTestKeypair(t)
	otherPub, _ := generateTestKeypair(t)
	msg := []byte("payload")
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))

	cases := []struct {
		name string
		pub  ed25519.PublicKey
		msg  []byte
		sig  string
	}{
		{"wrong key", otherPub, msg, sig},
		{"tampered message", pub, []byte("other payload"), sig},
		{"not base64", pub, msg, "%%%not-base64%%%"},
		{"wrong length", pub, msg, base64.StdEncoding.EncodeToString([]byte("short"))},
		{"empty", pub, msg, ""},
	}
	for _, tc := range cases {
		if err := VerifySignature(tc.pub, tc.msg, tc.sig); err != ErrInvalidSignature {
			t.Fatalf("%s: expected ErrInvalidSignature, got %v", tc.name, err)
		}
	}
}

func TestChannelKeyOrderIndependent(t *testing.T) {
	if ChannelKey("alice", "bob") != ChannelKey("bob", "alice") {
		t.Fatal("channel key should not depend on argument order")
	}
	if ChannelKey("Alice", "BOB") != "dm:alice:bob" {
		t.Fatalf("unexpected channel key %q", ChannelKey("Alice", "BOB"))
	}
}

func TestThreadIDStable(t *testing.T) {
	id1 := ThreadID("alice", "bob")
	id2 := ThreadID("bob", "alice")
	id3 := ThreadID("ALICE", "Bob")
	if id1 != id2 || id1 != id3 {
		t.Fatal("thread id should be identical for any order or case")
	}
	if id1 == ThreadID("alice", "carol") {
		t.Fatal("different pairs should map to different threads")
	}
}

func TestThreadIDVersion(t *testing.T) {
	id := ThreadID("alice", "bob")
	if id.Version() != 5 {
		t.Fatalf("expected name-based v5 uuid, got version %d", id.Version())
	}
}

func TestKeyID(t *testing.T) {
	a := KeyID("pepper", "tlk_secret")
	if len(a) != 64 {
		t.Fatalf("key id should be 64 hex chars, got %d", len(a))
	}
	if a != KeyID("pepper", "tlk_secret") {
		t.Fatal("key id derivation should be deterministic")
	}
	if a == KeyID("other-pepper", "tlk_secret") {
		t.Fatal("key id should depend on the pepper")
	}
	if a == KeyID("pepper", "tlk_other") {
		t.Fatal("key id should depend on the raw key")
	}
}
