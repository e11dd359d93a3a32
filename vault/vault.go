// Package vault implements passphrase-sealed storage for the node's
// long-term X25519 identity keypair (dsnet spec §3's Node identity,
// loaded once at startup and used for every conversation's DH). Ported
// from the teacher's crypto/vault.Vault: argon2 passphrase stretching
// feeding a NaCl secretbox seal, base64-armored on disk. The teacher
// used this to protect an e2e email key; here it protects the single
// node identity keypair gen-keys produces.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"

	"github.com/magical/argon2"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/dsnet-network/client/cryptoutil"
)

const (
	SaltSize           = 8
	PassphraseMinSize  = 12
	SecretboxNonceSize = 24
)

// ErrPassphraseTooShort guards stretch's slice of the salt prefix off
// the passphrase.
var ErrPassphraseTooShort = errors.New("vault: passphrase shorter than SaltSize+PassphraseMinSize")

// ErrMACFailed is returned by Open when the secretbox authentication
// tag does not verify — wrong passphrase or corrupted file.
var ErrMACFailed = errors.New("vault: NaCl secretbox MAC failed")

// Vault seals and opens a single passphrase-protected file.
type Vault struct {
	Passphrase string
	Path       string
}

func (v *Vault) stretch(passphrase string) ([]byte, error) {
	if len(passphrase) < SaltSize+PassphraseMinSize {
		return nil, ErrPassphraseTooShort
	}
	salt := passphrase[0:SaltSize]
	pass := passphrase[SaltSize:]
	const (
		par    = 2
		mem    = int64(1 << 16)
		keyLen = 32
		n      = 32
	)
	return argon2.Key([]byte(pass), []byte(salt), n, par, mem, keyLen)
}

// Open decrypts and returns the vault's plaintext contents.
func (v *Vault) Open() ([]byte, error) {
	base64Payload, err := os.ReadFile(v.Path)
	if err != nil {
		return nil, err
	}
	payloadCiphertext, err := base64.StdEncoding.DecodeString(string(base64Payload))
	if err != nil {
		return nil, err
	}
	if len(payloadCiphertext) < SecretboxNonceSize {
		return nil, ErrMACFailed
	}

	var nonce [SecretboxNonceSize]byte
	copy(nonce[:], payloadCiphertext[0:SecretboxNonceSize])

	stretched, err := v.stretch(v.Passphrase)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], stretched)

	plaintext, ok := secretbox.Open(nil, payloadCiphertext[SecretboxNonceSize:], &nonce, &key)
	if !ok {
		return nil, ErrMACFailed
	}
	return plaintext, nil
}

// Seal encrypts plaintext and writes it, base64-armored, to Path.
func (v *Vault) Seal(plaintext []byte) error {
	stretched, err := v.stretch(v.Passphrase)
	if err != nil {
		return err
	}
	var key [32]byte
	copy(key[:], stretched)

	var nonce [SecretboxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}

	ciphertext := secretbox.Seal(nil, plaintext, &nonce, &key)
	payload := make([]byte, 0, SecretboxNonceSize+len(ciphertext))
	payload = append(payload, nonce[:]...)
	payload = append(payload, ciphertext...)

	return os.WriteFile(v.Path, []byte(base64.StdEncoding.EncodeToString(payload)), 0600)
}

// SaveIdentity seals kp's private key to path under passphrase.
func SaveIdentity(path, passphrase string, kp *cryptoutil.KeyPair) error {
	v := &Vault{Passphrase: passphrase, Path: path}
	return v.Seal(kp.Private[:])
}

// LoadIdentity opens path under passphrase and rederives the keypair's
// public half from the sealed private key.
func LoadIdentity(path, passphrase string) (*cryptoutil.KeyPair, error) {
	v := &Vault{Passphrase: passphrase, Path: path}
	plaintext, err := v.Open()
	if err != nil {
		return nil, err
	}
	return cryptoutil.KeyPairFromPrivate(plaintext)
}
