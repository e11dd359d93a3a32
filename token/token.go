// Package token implements the token manager (C5): popping single-use
// blind-signature tokens from the repository, building a
// signed QUERY wire message from a popped token, and validating an
// inbound query's blind signature and Ed25519 binding signature
// (dsnet spec §4.3). Acquiring tokens from the token server and storing
// them are not done by this package. Grounded on the blindsign package for the Abe
// exchange and the teacher's style of small, explicit manager types
// wrapping a repository handle (cf. session/session.go's use of
// storage.Store).
package token

import (
	"crypto/ed25519"
	"errors"

	"github.com/dsnet-network/client/blindsign"
	"github.com/dsnet-network/client/cryptoutil"
	"github.com/dsnet-network/client/repository"
	"github.com/dsnet-network/client/wire"
)

var (
	// ErrNoToken is raised when popToken finds the token store empty
	// (spec.md §7 "NoToken": raise to caller; UI surfaces "acquire tokens").
	ErrNoToken = errors.New("token: no tokens available")
	// ErrSignatureInvalid is returned by Validate on either the blind
	// signature or the Ed25519 binding signature failing to verify.
	ErrSignatureInvalid = errors.New("token: signature invalid")
)

// Manager pops and issues tokens against a durable repository.
type Manager struct {
	store *repository.Store
}

// NewManager wraps store for token issuance and validation.
func NewManager(store *repository.Store) *Manager {
	return &Manager{store: store}
}

// PopToken atomically consumes the newest stored token.
func (m *Manager) PopToken() (*repository.AbeToken, error) {
	tok, err := m.store.PopToken()
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// BuildQuery pops one token and signs a QUERY wire message over
// (queryPublicKey || payload) with the token's Ed25519 subkey, per
// spec.md §4.3 steps 1, 5: "Pop one AbeToken atomically ... Sign
// (Qk.public ‖ payload) with the token's Ed25519 subkey."
func (m *Manager) BuildQuery(queryPublicKey [32]byte, payload []byte) (*wire.Query, error) {
	tok, err := m.PopToken()
	if err != nil {
		return nil, err
	}
	q := &wire.Query{
		PublicKey:      queryPublicKey,
		BlindSignature: tok.BlindSignature,
		Payload:        payload,
	}
	copy(q.TokenPublicKey[:], tok.TokenSecretKey.Public().(ed25519.PublicKey))
	sig := ed25519.Sign(tok.TokenSecretKey, q.SignedPayload())
	copy(q.Signature[:], sig)
	return q, nil
}

// Validate checks an inbound QUERY's Abe blind signature over its
// token subkey public key against serverKey, then the Ed25519
// signature over (publicKey || payload) under that subkey
// (spec.md §4.3 "Validation (inbound query)"). Both must hold.
func Validate(q *wire.Query, serverKey *blindsign.PublicKey) error {
	tok, err := blindsign.DecodeToken(q.BlindSignature)
	if err != nil {
		return ErrSignatureInvalid
	}
	if !blindsign.Verify(serverKey, tok, q.TokenPublicKey[:]) {
		return ErrSignatureInvalid
	}
	if !ed25519.Verify(ed25519.PublicKey(q.TokenPublicKey[:]), q.SignedPayload(), q.Signature[:]) {
		return ErrSignatureInvalid
	}
	return nil
}

// NewQueryKeyPair generates the ephemeral query KeyPair Qk shared
// across every per-peer conversation of one query issuance
// (spec.md §4.3 step 2, step 4).
func NewQueryKeyPair() (*cryptoutil.KeyPair, error) {
	return cryptoutil.GenerateKeyPair()
}
