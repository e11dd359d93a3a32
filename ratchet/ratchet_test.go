package ratchet

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dsnet-network/client/cryptoutil"
)

func sharedSecret(t *testing.T) ([]byte, []byte) {
	a, err := cryptoutil.GenerateKeyPair()
	assert.NoError(t, err)
	b, err := cryptoutil.GenerateKeyPair()
	assert.NoError(t, err)
	s1, err := cryptoutil.DH(a.Private, b.Public)
	assert.NoError(t, err)
	s2, err := cryptoutil.DH(b.Private, a.Public)
	assert.NoError(t, err)
	return s1, s2
}

// TestSlotAgreement covers invariant 1: for every conversation and slot
// n, both sides compute the same address_n from their respective
// chains over a shared DH secret.
func TestSlotAgreement(t *testing.T) {
	assert := assert.New(t)
	s1, s2 := sharedSecret(t)

	querierOut := NewChain(s1, DirOut)
	responderIn := NewChain(s2, DirOut)

	for n := uint64(0); n < 5; n++ {
		a, err := querierOut.Slot(n)
		assert.NoError(err)
		b, err := responderIn.Slot(n)
		assert.NoError(err)
		assert.Equal(a.Address, b.Address)
		assert.Equal(a.AEADKey, b.AEADKey)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	assert := assert.New(t)
	s1, _ := sharedSecret(t)
	chain := NewChain(s1, DirOut)
	slot, err := chain.Slot(0)
	assert.NoError(err)

	pt := []byte("hello pigeonhole")
	ct, err := slot.Encrypt(pt)
	assert.NoError(err)
	assert.Len(ct, PHMessageLength+macOverhead)

	out, err := slot.Decrypt(ct)
	assert.NoError(err)
	assert.Equal(pt, out[:len(pt)])
}

func TestDecryptFailureOnTamperedCiphertext(t *testing.T) {
	assert := assert.New(t)
	s1, _ := sharedSecret(t)
	chain := NewChain(s1, DirOut)
	slot, err := chain.Slot(0)
	assert.NoError(err)

	ct, err := slot.Encrypt([]byte("hi"))
	assert.NoError(err)
	ct[0] ^= 0xff

	_, err = slot.Decrypt(ct)
	assert.ErrorIs(err, ErrDecryptFailure)
}

func TestDifferentDirectionsDiverge(t *testing.T) {
	assert := assert.New(t)
	s1, _ := sharedSecret(t)
	out := NewChain(s1, DirOut)
	in := NewChain(s1, DirIn)

	a, _ := out.Slot(0)
	b, _ := in.Slot(0)
	assert.NotEqual(a.Address, b.Address)
}
