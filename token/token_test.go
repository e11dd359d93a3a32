package token

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsnet-network/client/blindsign"
	"github.com/dsnet-network/client/cryptoutil"
	"github.com/dsnet-network/client/repository"
)

// issueToken runs the full commit/blind/respond/finalize exchange
// locally (as blindsign_test.go does) to produce one redeemable token
// over the given Ed25519 token-subkey public bytes.
func issueToken(t *testing.T, priv *blindsign.PrivateKey, pub *blindsign.PublicKey, subkeyPublic []byte) *blindsign.Token {
	t.Helper()
	nonce, commitment, err := blindsign.SignerCommit()
	require.NoError(t, err)
	state, challenge, err := blindsign.Blind(pub, commitment, subkeyPublic)
	require.NoError(t, err)
	resp, err := blindsign.SignerRespond(priv, nonce, challenge)
	require.NoError(t, err)
	tok, err := blindsign.Finalize(state, resp)
	require.NoError(t, err)
	require.True(t, blindsign.Verify(pub, tok, subkeyPublic))
	return tok
}

func openTestStore(t *testing.T) *repository.Store {
	t.Helper()
	s, err := repository.New(filepath.Join(t.TempDir(), "dsnet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBuildAndValidateQueryRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	signerPriv, signerPub, err := blindsign.GenerateKeyPair()
	require.NoError(err)

	subkeyPub, subkeyPriv, err := cryptoutil.GenerateEd25519()
	require.NoError(err)

	tok := issueToken(t, signerPriv, signerPub, subkeyPub)

	store := openTestStore(t)
	require.NoError(store.SaveTokens([]repository.AbeToken{
		{TokenSecretKey: subkeyPriv, BlindSignature: tok.ToBytes()},
	}))

	mgr := NewManager(store)
	qk, err := NewQueryKeyPair()
	require.NoError(err)

	payload := []byte("keyword list payload")
	q, err := mgr.BuildQuery(qk.Public, payload)
	require.NoError(err)

	assert.NoError(Validate(q, signerPub))
}

func TestPopTokenEmptyRaisesNoToken(t *testing.T) {
	assert := assert.New(t)
	store := openTestStore(t)
	mgr := NewManager(store)
	_, err := mgr.PopToken()
	assert.ErrorIs(err, ErrNoToken)
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	signerPriv, signerPub, err := blindsign.GenerateKeyPair()
	require.NoError(err)
	subkeyPub, subkeyPriv, err := cryptoutil.GenerateEd25519()
	require.NoError(err)
	tok := issueToken(t, signerPriv, signerPub, subkeyPub)

	store := openTestStore(t)
	require.NoError(store.SaveTokens([]repository.AbeToken{
		{TokenSecretKey: subkeyPriv, BlindSignature: tok.ToBytes()},
	}))
	mgr := NewManager(store)
	qk, err := NewQueryKeyPair()
	require.NoError(err)
	q, err := mgr.BuildQuery(qk.Public, []byte("payload"))
	require.NoError(err)

	q.Signature[0] ^= 0xFF
	assert.ErrorIs(Validate(q, signerPub), ErrSignatureInvalid)
}
