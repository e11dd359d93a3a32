package retriever

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/katzenpost/core/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsnet-network/client/bbclient"
	"github.com/dsnet-network/client/conversation"
	"github.com/dsnet-network/client/cryptoutil"
	"github.com/dsnet-network/client/repository"
	"github.com/dsnet-network/client/wire"
)

func testLogBackend(t *testing.T) *log.Backend {
	t.Helper()
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func openTestStore(t *testing.T) *repository.Store {
	t.Helper()
	s, err := repository.New(filepath.Join(t.TempDir(), "dsnet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddressMatchRetrieverDecryptsAndPersists(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	querierKeys, err := cryptoutil.GenerateKeyPair()
	require.NoError(err)
	responderKeys, err := cryptoutil.GenerateKeyPair()
	require.NoError(err)

	querier, err := conversation.NewQuerierConversation(querierKeys, responderKeys.Public, []byte("q"), conversation.QueryCleartext, nil)
	require.NoError(err)
	responder, err := conversation.NewResponderConversation(responderKeys, querierKeys.Public)
	require.NoError(err)

	addr, ct, err := responder.Send([]byte("first response"))
	require.NoError(err)

	store := openTestStore(t)
	require.NoError(store.SaveConversation(querier))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		phm := &wire.PigeonHoleMessage{Address: addr, FromKey: responderKeys.Public, Payload: ct}
		w.Write(phm.ToBytes())
	}))
	defer srv.Close()

	bb := bbclient.New(testLogBackend(t), srv.URL, srv.URL)
	r := NewAddressMatchRetriever(testLogBackend(t), store, bb)

	adrShortHex := hex.EncodeToString(addr[:3])
	result, err := r.Retrieve(context.Background(), adrShortHex)
	require.NoError(err)
	assert.Equal([]byte("first response"), result.Plaintext[:len("first response")])

	loaded, err := store.GetConversationByKey(responderKeys.Public)
	require.NoError(err)
	assert.Equal(conversation.StateReceiving, loaded.State)
}

func TestAddressMatchRetrieverNoMatch(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be contacted when no local conversation matches")
	}))
	defer srv.Close()

	store := openTestStore(t)
	bb := bbclient.New(testLogBackend(t), srv.URL, srv.URL)
	r := NewAddressMatchRetriever(testLogBackend(t), store, bb)

	_, err := r.Retrieve(context.Background(), "abcdef")
	assert.ErrorIs(err, ErrNoMatch)
}

func TestProbabilisticCoverRetrieverFetchesOnMissWhenDecided(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Write([]byte("\x90")) // msgpack empty array
	}))
	defer srv.Close()

	store := openTestStore(t)
	bb := bbclient.New(testLogBackend(t), srv.URL, srv.URL)
	r := NewProbabilisticCoverRetriever(testLogBackend(t), store, bb, func() bool { return true })

	_, err := r.Retrieve(context.Background(), "abcdef")
	require.ErrorIs(err, ErrNoMatch)
	assert.EqualValues(1, atomic.LoadInt64(&hits))
}

func TestProbabilisticCoverRetrieverSkipsFetchWhenNotDecided(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be contacted when retrieveDecision is false")
	}))
	defer srv.Close()

	store := openTestStore(t)
	bb := bbclient.New(testLogBackend(t), srv.URL, srv.URL)
	r := NewProbabilisticCoverRetriever(testLogBackend(t), store, bb, func() bool { return false })

	_, err := r.Retrieve(context.Background(), "abcdef")
	assert.ErrorIs(err, ErrNoMatch)
}
