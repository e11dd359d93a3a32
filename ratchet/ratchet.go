// Package ratchet implements the pigeonhole ratchet (C2): a chain of
// (address, symmetric key) pairs derived deterministically from a shared
// ECDH secret, one independent chain per direction. See dsnet spec §4.1.
package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/dsnet-network/client/cryptoutil"
)

var sha256New = sha256.New

// PHMessageLength is the fixed ciphertext length of every pigeonhole
// payload, padded so that all slots are indistinguishable in size on
// the wire.
const PHMessageLength = 512

const (
	slotKeySize  = 32
	addressSize  = cryptoutil.AddressLength
	aeadKeySize  = 32
	nonceSize    = 24
	macOverhead  = secretbox.Overhead
)

// Direction tags the two independent chains of a conversation: the
// querier-to-responder chain and the responder-to-querier chain.
type Direction byte

const (
	// DirOut is the chain used to derive addresses this side writes to.
	DirOut Direction = 0x01
	// DirIn is the chain used to derive addresses this side listens on.
	DirIn Direction = 0x02
)

var (
	// ErrOversizedPayload is returned when a plaintext does not fit
	// within PHMessageLength once padded.
	ErrOversizedPayload = errors.New("ratchet: payload exceeds PH_MESSAGE_LENGTH")
	// ErrDecryptFailure indicates an AEAD authentication failure.
	ErrDecryptFailure = errors.New("ratchet: decryption failed")
	// ErrInvalidCiphertext indicates a ciphertext shorter than the AEAD overhead.
	ErrInvalidCiphertext = errors.New("ratchet: ciphertext too short")
)

// Slot is a single derived pigeonhole: its address, the symmetric key
// used to encrypt/decrypt that address's payload, and the keyForHash
// retained so a peer can later recompute address from dhKey+counter.
type Slot struct {
	Counter     uint64
	Address     [addressSize]byte
	AEADKey     [aeadKeySize]byte
	KeyForHash  [slotKeySize]byte
}

// Chain derives an unbounded sequence of Slots from a shared secret and
// a role-tagged direction, one slot per counter value starting at 0.
type Chain struct {
	secret []byte
	dir    Direction
}

// NewChain builds a ratchet chain over the given shared ECDH secret.
func NewChain(sharedSecret []byte, dir Direction) *Chain {
	c := &Chain{dir: dir}
	c.secret = make([]byte, len(sharedSecret))
	copy(c.secret, sharedSecret)
	return c
}

// Slot derives the slot at the given counter. Slot derivation is pure
// and idempotent: calling it twice with the same counter yields the
// same address and key, on both sides of a conversation, by
// construction (invariant 1 of spec.md §8).
func (c *Chain) Slot(counter uint64) (*Slot, error) {
	info := make([]byte, 0, 1+4+8)
	info = append(info, byte(c.dir))
	info = append(info, []byte("slot")...)
	info = appendUint64(info, counter)

	slotKey := make([]byte, slotKeySize)
	if err := hkdfExpand(c.secret, info, slotKey); err != nil {
		return nil, err
	}

	addrFull := cryptoutil.Hash(slotKey, []byte("addr"))

	aeadKey := make([]byte, aeadKeySize)
	if err := hkdfExpand(slotKey, []byte("enc"), aeadKey); err != nil {
		return nil, err
	}

	s := &Slot{Counter: counter}
	copy(s.Address[:], addrFull[:addressSize])
	copy(s.AEADKey[:], aeadKey)
	copy(s.KeyForHash[:], slotKey)
	return s, nil
}

func appendUint64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

func hkdfExpand(secret, info []byte, out []byte) error {
	r := hkdf.Expand(sha256New, secret, info)
	_, err := r.Read(out)
	return err
}

// Encrypt seals plaintext under the slot's AEAD key with a deterministic
// zero nonce: safe here because every slot key is used exactly once
// (invariant: each (dhKey, counter) pair is consumed at most once).
// The output is padded to PHMessageLength before sealing.
func (s *Slot) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) > PHMessageLength {
		return nil, ErrOversizedPayload
	}
	padded := make([]byte, PHMessageLength)
	copy(padded, plaintext)

	var nonce [nonceSize]byte
	var key [aeadKeySize]byte
	copy(key[:], s.AEADKey[:])

	out := secretbox.Seal(nil, padded, &nonce, &key)
	return out, nil
}

// Decrypt opens a ciphertext produced by Encrypt and returns the padded
// plaintext, trailing pad bytes included. The original plaintext length
// is not recorded by this package or by the wire messages; a caller
// that knows it strips the padding itself.
func (s *Slot) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < macOverhead {
		return nil, ErrInvalidCiphertext
	}
	var nonce [nonceSize]byte
	var key [aeadKeySize]byte
	copy(key[:], s.AEADKey[:])

	out, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	if !ok {
		return nil, ErrDecryptFailure
	}
	return out, nil
}
