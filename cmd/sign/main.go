package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/toaklink/toaklink/internal/crypto"
)

func main() {
	privKeyB64 := flag.String("key", "", "Base64-encoded Ed25519 private key")
	agentID := flag.String("agent", "", "Agent id")
	method := flag.String("method", "POST", "HTTP method")
	path := flag.String("path", "/send", "Request path below /v1/toaklink, with query")
	bodyFile := flag.String("body", "", "File containing request body (or use stdin)")
	flag.Parse()

	if *privKeyB64 == "" || *agentID == "" {
		fmt.Fprintln(os.Stderr, "Usage: sign -key <private-key-base64> -agent <agent-id> [-method POST] [-path /send] [-body <file>]")
		fmt.Fprintln(os.Stderr, "  Reads body from stdin if -body not specified")
		os.Exit(1)
	}

	privKeyBytes, err := base64.StdEncoding.DecodeString(*privKeyB64)
	if err != nil || len(privKeyBytes) != ed25519.PrivateKeySize {
		fmt.Fprintf(os.Stderr, "Invalid private key: %v\n", err)
		os.Exit(1)
	}
	privKey := ed25519.PrivateKey(privKeyBytes)

	var body []byte
	if *bodyFile != "" {
		body, err = os.ReadFile(*bodyFile)
	} else {
		body, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read body: %v\n", err)
		os.Exit(1)
	}

	nonceBytes := make([]byte, 16)
	rand.Read(nonceBytes)
	nonce := hex.EncodeToString(nonceBytes)

	timestamp := time.Now().UTC().Format(time.RFC3339)
	bodyHash := crypto.BodyHash(body)

	canonical := crypto.CanonicalString(*method, *path, timestamp, nonce, bodyHash, *agentID)
	signature := base64.StdEncoding.EncodeToString(ed25519.Sign(privKey, canonical))

	fmt.Printf("X-Agent-Id: %s\n", *agentID)
	fmt.Printf("X-Signature-Alg: %s\n", crypto.AlgEd25519)
	fmt.Printf("X-Signature-Timestamp: %s\n", timestamp)
	fmt.Printf("X-Signature-Nonce: %s\n", nonce)
	fmt.Printf("X-Signature-Body-Hash: %s\n", bodyHash)
	fmt.Printf("X-Agent-Signature: %s\n", signature)
}
