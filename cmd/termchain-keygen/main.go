// Command termchain-keygen generates a secp256k1 keypair and prints the
// bech32 account address, for seeding reserve and admin addresses in the
// node configuration.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"termchain/crypto"
)

func main() {
	fromHex := flag.String("from", "", "Derive the address from an existing hex-encoded private key instead of generating one")
	flag.Parse()

	var (
		key *crypto.PrivateKey
		err error
	)
	if *fromHex != "" {
		raw, decodeErr := hex.DecodeString(*fromHex)
		if decodeErr != nil {
			fmt.Fprintf(os.Stderr, "invalid private key hex: %v\n", decodeErr)
			os.Exit(1)
		}
		key, err = crypto.PrivateKeyFromBytes(raw)
	} else {
		key, err = crypto.GeneratePrivateKey()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "key error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("address:     %s\n", key.PubKey().Address().String())
	fmt.Printf("private key: %s\n", hex.EncodeToString(key.Bytes()))
}
