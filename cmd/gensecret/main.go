package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

const (
	SecretKeyBytesLen = 32
	KeyIDBytesLen     = 4
)

// Prints signing key in SIGNING_KEYS format: '<kid>:<secret>'.
// Append it to the existing keys and switch SIGNING_KEY_ID to rotate
func main() {
	secret, err := randomHex(SecretKeyBytesLen)
	if err != nil {
		fmt.Printf("error while generating secret key: %v", err)
		os.Exit(1)
	}

	suffix, err := randomHex(KeyIDBytesLen)
	if err != nil {
		fmt.Printf("error while generating key id: %v", err)
		os.Exit(1)
	}
	kid := time.Now().UTC().Format("20060102") + "-" + suffix

	fmt.Printf("%s:%s\n", kid, secret)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
