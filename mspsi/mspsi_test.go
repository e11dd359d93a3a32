package mspsi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestMSPSIRoundTrip covers the MSPSI round-trip property from spec.md
// §8: a querier searching for keywords that appear in a responder's
// documents recovers exactly the matching (doc, keyword) pairs, and
// nothing else, modulo the filter's false-positive rate.
func TestMSPSIRoundTrip(t *testing.T) {
	assert := assert.New(t)

	docs := [][][]byte{
		{[]byte("alice"), []byte("bob")},
		{[]byte("carol")},
		{[]byte("alice"), []byte("dave")},
	}

	pub, err := Publish(docs, 16)
	assert.NoError(err)
	assert.EqualValues(3, pub.NbDocs)

	keywords := [][]byte{[]byte("alice"), []byte("eve"), []byte("carol")}
	query, err := NewQuery(keywords)
	assert.NoError(err)

	replies := Reply(pub.Secret, query.Points)
	probes, err := DecodeReply(query, replies)
	assert.NoError(err)

	matches := ProcessReply(probes, pub.NbDocs, pub.Filter)
	assert.Len(matches, 3)

	assert.Contains(matches[0], 0) // doc0 has alice -> keyword idx 0
	assert.NotContains(matches[0], 1)
	assert.NotContains(matches[0], 2)

	assert.NotContains(matches[1], 0)
	assert.Contains(matches[1], 2) // doc1 has carol -> keyword idx 2

	assert.Contains(matches[2], 0) // doc2 has alice -> keyword idx 0
}

func TestDecodeReplyLengthMismatch(t *testing.T) {
	assert := assert.New(t)
	query, err := NewQuery([][]byte{[]byte("a"), []byte("b")})
	assert.NoError(err)
	_, err = DecodeReply(query, nil)
	assert.ErrorIs(err, ErrLengthMismatch)
}

func TestFilterSerializationRoundTrip(t *testing.T) {
	assert := assert.New(t)
	pub, err := Publish([][][]byte{{[]byte("x")}}, 8)
	assert.NoError(err)

	encoded, err := SerializeFilter(pub.Filter)
	assert.NoError(err)
	decoded, err := DeserializeFilter(encoded)
	assert.NoError(err)

	marker := bucketKey(docSalt(0), HashToPoint([]byte("marker")))
	assert.Equal(pub.Filter.Test(marker), decoded.Test(marker))
}

func TestPointSerializationRoundTrip(t *testing.T) {
	assert := assert.New(t)
	query, err := NewQuery([][]byte{[]byte("kw1"), []byte("kw2")})
	assert.NoError(err)

	encoded := SerializePoints(query.Points)
	decoded, err := DeserializePoints(encoded)
	assert.NoError(err)
	assert.Len(decoded, 2)
	for i := range query.Points {
		assert.Equal(query.Points[i].Bytes(), decoded[i].Bytes())
	}
}
