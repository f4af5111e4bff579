package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var out = flag.String("out", "", "write the private key to this file (mode 0600) instead of stdout")

// keygen prints a fresh node signing key suitable for DRM_NODE_KEY or
// DRM_NODE_KEY_FILE, followed by its compressed public key.
func main() {
	flag.Parse()

	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		log.Fatalf("Failed to generate key: %v", err)
	}
	priv := hex.EncodeToString(key.Serialize())
	pub := hex.EncodeToString(key.PubKey().SerializeCompressed())

	if *out != "" {
		if err := os.WriteFile(*out, []byte(priv+"\n"), 0o600); err != nil {
			log.Fatalf("Failed to write key: %v", err)
		}
		fmt.Printf("key written to %s\npublic key: %s\n", *out, pub)
		return
	}

	fmt.Printf("private key: %s\npublic key:  %s\n", priv, pub)
}
