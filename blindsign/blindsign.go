// Package blindsign implements the client side of the Abe-style blind
// Schnorr signature scheme used by the token server to authorize
// queries without linking issuance to redemption (dsnet spec §4.3,
// §6 token-server endpoints). The scalar group arithmetic follows the
// Chaum-Pedersen proof idioms of the retrieved OPRF package
// (schemes/complex/oprf/proof.go), substituting a blind Schnorr
// signing exchange for the OPRF's DLEQ proof: the signer's commitment
// corresponds to /commitments, the client's blinded challenge to the
// body of /pretokens, and the signer's response to its reply.
package blindsign

import (
	"errors"

	"github.com/gtank/ristretto255"

	"github.com/dsnet-network/client/cryptoutil"
)

const (
	scalarEncodedLen  = 32
	elementEncodedLen = 32
	// TokenLength is the wire length of an opaque blind signature: the
	// unblinded commitment R' followed by the unblinded response s'.
	TokenLength = elementEncodedLen + scalarEncodedLen
)

var (
	// ErrInvalidEncoding indicates a malformed group element or scalar.
	ErrInvalidEncoding = errors.New("blindsign: invalid encoding")
	// ErrSignatureInvalid indicates a blind signature failed verification.
	ErrSignatureInvalid = errors.New("blindsign: signature invalid")
)

// PrivateKey is the token server's long-term signing scalar. The client
// never holds one; it is documented here so PublicKey.Verify and the
// server-facing wire shapes stay symmetric and testable.
type PrivateKey struct {
	D *ristretto255.Scalar
}

// PublicKey is the token server's verifier key Y = D*G, fetched once
// from `GET {tokenBase}/publickey` and cached as a ServerPublicKey.
type PublicKey struct {
	Y *ristretto255.Element
}

// GenerateKeyPair creates a fresh signer keypair, used by tests that
// exercise the full commit/blind/respond/verify exchange locally.
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	d := ristretto255.NewScalar()
	seed, err := cryptoutil.RandomBytes(64)
	if err != nil {
		return nil, nil, err
	}
	if _, err := d.SetUniformBytes(seed); err != nil {
		return nil, nil, err
	}
	y := ristretto255.NewIdentityElement().ScalarBaseMult(d)
	return &PrivateKey{D: d}, &PublicKey{Y: y}, nil
}

// EncodePublicKey serializes Y for the `/publickey` response body.
func EncodePublicKey(pub *PublicKey) []byte {
	return pub.Y.Bytes()
}

// DecodePublicKey parses the `/publickey` response body.
func DecodePublicKey(b []byte) (*PublicKey, error) {
	y := ristretto255.NewIdentityElement()
	if err := y.Decode(b); err != nil {
		return nil, ErrInvalidEncoding
	}
	return &PublicKey{Y: y}, nil
}

// Commitment is one signer commitment R = k*G from the `/commitments`
// response array; the signer retains k server-side until it answers
// the matching `/pretokens` challenge.
type Commitment struct {
	R *ristretto255.Element
}

// EncodeCommitments serializes a batch of commitments for the
// `/commitments` MessagePack response array.
func EncodeCommitments(cs []*Commitment) [][]byte {
	out := make([][]byte, len(cs))
	for i, c := range cs {
		out[i] = c.R.Bytes()
	}
	return out
}

// DecodeCommitments parses the `/commitments` response array.
func DecodeCommitments(raw [][]byte) ([]*Commitment, error) {
	out := make([]*Commitment, len(raw))
	for i, b := range raw {
		r := ristretto255.NewIdentityElement()
		if err := r.Decode(b); err != nil {
			return nil, ErrInvalidEncoding
		}
		out[i] = &Commitment{R: r}
	}
	return out, nil
}

// SignerCommit is the signer-side half of the commit step, kept here so
// the package is independently testable without a real token server.
// It returns the nonce k (retained by the signer) and the published
// commitment R = k*G.
func SignerCommit() (nonce *ristretto255.Scalar, commitment *Commitment, err error) {
	seed, err := cryptoutil.RandomBytes(64)
	if err != nil {
		return nil, nil, err
	}
	k := ristretto255.NewScalar()
	if _, err := k.SetUniformBytes(seed); err != nil {
		return nil, nil, err
	}
	r := ristretto255.NewIdentityElement().ScalarBaseMult(k)
	return k, &Commitment{R: r}, nil
}

// ClientState holds the blinding factors a client must keep between
// submitting a blinded challenge (`POST /pretokens`) and unblinding the
// signer's response into a usable token.
type ClientState struct {
	alpha, beta *ristretto255.Scalar
	rPrime      *ristretto255.Element
	challenge   *ristretto255.Scalar
}

// Blind computes the client's blinded Schnorr challenge for message m
// (here, the Ed25519 token subkey's public bytes) against one signer
// commitment, returning the opaque per-token state and the blinded
// challenge to POST to `/pretokens`.
func Blind(pub *PublicKey, commitment *Commitment, message []byte) (*ClientState, []byte, error) {
	alpha, err := randomScalar()
	if err != nil {
		return nil, nil, err
	}
	beta, err := randomScalar()
	if err != nil {
		return nil, nil, err
	}

	// R' = R + alpha*G + beta*Y
	aG := ristretto255.NewIdentityElement().ScalarBaseMult(alpha)
	bY := ristretto255.NewIdentityElement().ScalarMult(beta, pub.Y)
	rPrime := ristretto255.NewIdentityElement().Add(commitment.R, aG)
	rPrime.Add(rPrime, bY)

	ePrime := hashChallenge(rPrime, message)

	// e = e' + beta, the value the signer actually sees.
	e := ristretto255.NewScalar().Add(ePrime, beta)

	state := &ClientState{alpha: alpha, beta: beta, rPrime: rPrime, challenge: ePrime}
	return state, e.Bytes(), nil
}

// SignerRespond is the signer-side response to a blinded challenge:
// s = k + e*d. Kept for local round-trip testing of the exchange.
func SignerRespond(priv *PrivateKey, nonce *ristretto255.Scalar, challenge []byte) ([]byte, error) {
	e, err := decodeScalar(challenge)
	if err != nil {
		return nil, err
	}
	s := ristretto255.NewScalar().Multiply(e, priv.D)
	s.Add(s, nonce)
	return s.Bytes(), nil
}

// Token is a finalized, unblinded blind signature: an AbeToken's
// `blindSignature` opaque bytes, ready to attach to a QUERY message.
type Token struct {
	RPrime *ristretto255.Element
	SPrime *ristretto255.Scalar
}

// Finalize unblinds the signer's response s into the token (R', s')
// that verifies against the public key without revealing which
// commitment or challenge produced it.
func Finalize(state *ClientState, response []byte) (*Token, error) {
	s, err := decodeScalar(response)
	if err != nil {
		return nil, err
	}
	sPrime := ristretto255.NewScalar().Add(s, state.alpha)
	return &Token{RPrime: state.rPrime, SPrime: sPrime}, nil
}

// ToBytes serializes a token as R'(32) || s'(32), the opaque
// `blindSignature` bytes carried in a QUERY wire message.
func (t *Token) ToBytes() []byte {
	out := make([]byte, 0, TokenLength)
	out = append(out, t.RPrime.Bytes()...)
	out = append(out, t.SPrime.Bytes()...)
	return out
}

// DecodeToken parses the opaque `blindSignature` bytes of a QUERY message.
func DecodeToken(b []byte) (*Token, error) {
	if len(b) != TokenLength {
		return nil, ErrInvalidEncoding
	}
	r := ristretto255.NewIdentityElement()
	if err := r.Decode(b[:elementEncodedLen]); err != nil {
		return nil, ErrInvalidEncoding
	}
	s, err := decodeScalar(b[elementEncodedLen:])
	if err != nil {
		return nil, err
	}
	return &Token{RPrime: r, SPrime: s}, nil
}

// decodeScalar parses a canonical 32-byte scalar encoding, the wire
// form used for challenges, responses and token scalars (as opposed to
// the 64-byte wide-reduction inputs SetUniformBytes takes for fresh
// randomness and hash-derived challenges).
func decodeScalar(b []byte) (*ristretto255.Scalar, error) {
	if len(b) != scalarEncodedLen {
		return nil, ErrInvalidEncoding
	}
	s := ristretto255.NewScalar()
	if err := s.Decode(b); err != nil {
		return nil, ErrInvalidEncoding
	}
	return s, nil
}

// Verify checks s'*G == R' + e'*Y where e' = H(R' || message), i.e.
// that the token is a valid blind signature over message under pub.
// Used both to validate freshly-finalized client tokens and, on the
// responder side, to validate an inbound query's token before
// answering it (spec §4.3 "Validation (inbound query)").
func Verify(pub *PublicKey, token *Token, message []byte) bool {
	ePrime := hashChallenge(token.RPrime, message)
	lhs := ristretto255.NewIdentityElement().ScalarBaseMult(token.SPrime)
	eY := ristretto255.NewIdentityElement().ScalarMult(ePrime, pub.Y)
	rhs := ristretto255.NewIdentityElement().Add(token.RPrime, eY)
	return lhs.Equal(rhs) == 1
}

func randomScalar() (*ristretto255.Scalar, error) {
	seed, err := cryptoutil.RandomBytes(64)
	if err != nil {
		return nil, err
	}
	s := ristretto255.NewScalar()
	if _, err := s.SetUniformBytes(seed); err != nil {
		return nil, err
	}
	return s, nil
}

// hashChallenge derives the Fiat-Shamir challenge scalar e' = H(R' || m),
// domain-separated the same way proof.go mixes transcript labels before
// reducing into a scalar via SetUniformBytes.
func hashChallenge(r *ristretto255.Element, message []byte) *ristretto255.Scalar {
	digest := cryptoutil.Hash([]byte("dsnet-blindsign-challenge"), r.Bytes(), message)
	wide := cryptoutil.Hash([]byte("dsnet-blindsign-challenge-expand"), digest)
	buf := make([]byte, 64)
	copy(buf, digest)
	copy(buf[32:], wide)
	e := ristretto255.NewScalar()
	_, _ = e.SetUniformBytes(buf)
	return e
}
