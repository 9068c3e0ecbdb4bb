// Command keygen prints a fresh AES-256 keyring entry in the form
// TRUSTCORE_KEYRING expects ("v<N>:<base64>"). Run it again with the next
// version number when rotating.
package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"

	"trustcore.org/internal/crypto"
)

func main() {
	version := 1
	if len(os.Args) > 1 {
		v, err := strconv.Atoi(os.Args[1])
		if err != nil || v < 1 {
			fmt.Fprintf(os.Stderr, "usage: %s [version]\n", os.Args[0])
			os.Exit(1)
		}
		version = v
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("v%d:%s\n", version, base64.StdEncoding.EncodeToString(key))
}
