// Command gen-keys generates a node's X25519 identity keypair and
// seals the private half into a passphrase-protected vault file,
// mirroring the teacher's practice of shipping a small standalone key-
// generation companion to the daemon binary rather than folding key
// management into the daemon's own flag surface.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/dsnet-network/client/cryptoutil"
	"github.com/dsnet-network/client/vault"
)

func main() {
	var outPath string
	var passphrase string
	var force bool
	flag.StringVar(&outPath, "out", "identity.vault", "path to write the sealed identity")
	flag.StringVar(&passphrase, "passphrase", "", "vault passphrase (or set DSNETCLIENT_PASSPHRASE)")
	flag.BoolVar(&force, "force", false, "overwrite an existing file at -out")
	flag.Parse()

	if passphrase == "" {
		passphrase = os.Getenv("DSNETCLIENT_PASSPHRASE")
	}
	if passphrase == "" {
		fmt.Fprintln(os.Stderr, "you must specify a vault passphrase")
		os.Exit(1)
	}

	if !force {
		if _, err := os.Stat(outPath); err == nil {
			fmt.Fprintf(os.Stderr, "%s already exists; pass -force to overwrite\n", outPath)
			os.Exit(1)
		}
	}

	kp, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}

	if err := vault.SaveIdentity(outPath, passphrase, kp); err != nil {
		fmt.Fprintf(os.Stderr, "seal: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("wrote %s\npublic key: %x\n", outPath, kp.Public)
}
