package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dsnet-network/client/conversation"
	"github.com/dsnet-network/client/cryptoutil"
	"github.com/dsnet-network/client/query"
	"github.com/dsnet-network/client/repository"
)

func openTestStore(t *testing.T) *repository.Store {
	t.Helper()
	s, err := repository.New(filepath.Join(t.TempDir(), "dsnet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMemoryIndexSearchMatchesPresentKeywords(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	idx := NewMemoryIndex([]Document{{ID: 0, Title: "doc1", Body: "foo bar baz"}})

	encodedQuery, err := msgpack.Marshal([][]byte{[]byte("foo"), []byte("missing")})
	require.NoError(err)

	results, err := idx.Search(encodedQuery)
	require.NoError(err)

	matched, err := query.DecodeCleartextReply(results)
	require.NoError(err)
	assert.Equal([][]byte{[]byte("foo")}, matched)
}

func TestMemoryIndexSearchNoMatchReturnsErrNoResults(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	idx := NewMemoryIndex([]Document{{ID: 0, Title: "doc1", Body: "foo bar"}})
	encodedQuery, err := msgpack.Marshal([][]byte{[]byte("nope")})
	require.NoError(err)

	_, err = idx.Search(encodedQuery)
	assert.ErrorIs(err, ErrNoResults)
}

func TestMemoryIndexProcessSearchResultsDecodesKeywords(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	idx := NewMemoryIndex(nil)
	encoded, err := msgpack.Marshal([][]byte{[]byte("foo")})
	require.NoError(err)

	payload, err := idx.ProcessSearchResults(encoded, nil)
	require.NoError(err)

	var words []string
	require.NoError(msgpack.Unmarshal(payload, &words))
	assert.Equal([]string{"foo"}, words)
}

// TestMSPSIIndexRoundTrip exercises scenario S5 of spec.md §8: a
// publication over one document containing entity "foo", then a query
// for ["foo"], must decode to document 0 matching keyword 0 and no
// others.
func TestMSPSIIndexRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	responderKeys, err := cryptoutil.GenerateKeyPair()
	require.NoError(err)
	querierKeys, err := cryptoutil.GenerateKeyPair()
	require.NoError(err)

	responderStore := openTestStore(t)
	responderIdx := NewMSPSIIndex([]Document{{ID: 0, Title: "foo", Body: ""}}, responderStore)

	nTotal, _, err := responderIdx.Publish()
	require.NoError(err)
	assert.EqualValues(1, nTotal)

	filterBytes, nbDocs, err := responderIdx.Filter()
	require.NoError(err)

	// Querier builds the DPSI payload and records it on its conversation,
	// the way querier.Issue does with query.Encode + conversation.NewQuerierConversation.
	payload, secret, err := query.Encode(conversation.QueryDPSI, [][]byte{[]byte("foo")})
	require.NoError(err)
	conv, err := conversation.NewQuerierConversation(querierKeys, responderKeys.Public, payload, conversation.QueryDPSI, secret)
	require.NoError(err)

	// Responder ingests the broadcast publication, then answers the query.
	require.NoError(responderStore.SavePublicationMessage(repository.PublicationMessage{
		Nym:                "responder",
		PublisherPublicKey: responderKeys.Public,
		CuckooFilter:       filterBytes,
		NbDocs:             nbDocs,
	}))

	encodedResults, err := responderIdx.Search(payload)
	require.NoError(err)

	// Querier-side index shares the same repository view of the
	// publication (e.g. via a prior PUBLICATION broadcast ingest).
	querierStore := openTestStore(t)
	require.NoError(querierStore.SavePublicationMessage(repository.PublicationMessage{
		Nym:                "responder",
		PublisherPublicKey: responderKeys.Public,
		CuckooFilter:       filterBytes,
		NbDocs:             nbDocs,
	}))
	querierIdx := NewMSPSIIndex(nil, querierStore)

	decoded, err := querierIdx.ProcessSearchResults(encodedResults, conv)
	require.NoError(err)

	var matches [][]int
	require.NoError(msgpack.Unmarshal(decoded, &matches))
	require.Len(matches, 1)
	assert.Equal([]int{0}, matches[0])
}
