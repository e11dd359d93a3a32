// Package cryptoutil wraps the primitive cryptographic operations shared
// across the dsnet client: X25519 key agreement, BLAKE2b hashing and
// Ed25519 signing of token subkeys. HKDF key derivation lives in the
// ratchet package.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
)

const (
	// KeyLength is the size in bytes of an X25519 public or private key.
	KeyLength = 32

	// AddressLength is the size in bytes of a pigeonhole address.
	AddressLength = 32
)

var errInvalidKeySize = errors.New("cryptoutil: invalid key size")

// KeyPair is an X25519 private/public key pair.
type KeyPair struct {
	Private [KeyLength]byte
	Public  [KeyLength]byte
}

// GenerateKeyPair creates a fresh X25519 keypair using the system CSPRNG.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, err
	}
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// KeyPairFromPrivate derives the public half of a keypair from a secret.
func KeyPairFromPrivate(priv []byte) (*KeyPair, error) {
	if len(priv) != KeyLength {
		return nil, errInvalidKeySize
	}
	kp := &KeyPair{}
	copy(kp.Private[:], priv)
	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return kp, nil
}

// DH performs an X25519 Diffie-Hellman exchange, returning the shared secret.
func DH(private, public [KeyLength]byte) ([]byte, error) {
	shared, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return nil, err
	}
	return shared, nil
}

// Hash computes the BLAKE2b-256 digest of the concatenated inputs.
func Hash(parts ...[]byte) []byte {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// GenerateEd25519 generates a fresh Ed25519 signing keypair, used for the
// per-token subkey that binds a query to its blind signature.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// RandomBytes fills a buffer of the given length with CSPRNG output.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
