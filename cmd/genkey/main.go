package main

import (
	crypto "crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	tlcrypto "github.com/toaklink/toaklink/internal/crypto"
)

func main() {
	pub, priv, err := crypto.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}

	spki := tlcrypto.MarshalSPKI(pub)

	fmt.Printf("Private key (base64):     %s\n", base64.StdEncoding.EncodeToString(priv))
	fmt.Printf("Public key raw (base64):  %s\n", base64.StdEncoding.EncodeToString(pub))
	fmt.Printf("Public key SPKI (hex):    %s\n", hex.EncodeToString(spki))
	fmt.Printf("Public key SPKI (base64): %s\n", base64.StdEncoding.EncodeToString(spki))
}
