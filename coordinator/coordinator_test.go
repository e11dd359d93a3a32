package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/katzenpost/core/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsnet-network/client/conversation"
	"github.com/dsnet-network/client/cryptoutil"
	"github.com/dsnet-network/client/index"
	"github.com/dsnet-network/client/repository"
	"github.com/dsnet-network/client/retriever"
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

type stubRetriever struct {
	calls int64
}

func (s *stubRetriever) Retrieve(ctx context.Context, adrShortHex string) (*retriever.RetrievedMessage, error) {
	atomic.AddInt64(&s.calls, 1)
	return nil, retriever.ErrNoMatch
}

type stubSender struct {
	sent int64
}

func (s *stubSender) Send(ctx context.Context, addr [32]byte, msg *wire.PigeonHoleMessage) error {
	atomic.AddInt64(&s.sent, 1)
	return nil
}

type stubIndex struct{}

func (stubIndex) Search(encodedQuery []byte) ([]byte, error) { return []byte("results"), nil }
func (stubIndex) ProcessSearchResults(encodedResults []byte, conv *conversation.Conversation) ([]byte, error) {
	return []byte("decoded"), nil
}
func (stubIndex) Publish() (uint32, [][][]byte, error) { return 0, nil, nil }
func (stubIndex) GetDocuments() ([]index.Document, error) { return nil, nil }

func TestWSURLTranslatesSchemeAndResumeParam(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	u, err := wsURL("https://bb.example", time.Unix(100, 0), true)
	require.NoError(err)
	assert.True(strings.HasPrefix(u, "wss://bb.example/notifications?ts="))

	u2, err := wsURL("http://bb.example", time.Time{}, false)
	require.NoError(err)
	assert.Equal("ws://bb.example/notifications", u2)
}

func TestDispatchNotificationInvokesRetriever(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	r := &stubRetriever{}
	c := New(testLogBackend(t), openTestStore(t), r, &stubSender{}, stubIndex{}, nil, nil, "http://example", time.Millisecond)

	frame := (&wire.Notification{AdrShortHex: "abcdef"}).ToBytes()
	require.NoError(c.dispatch(context.Background(), frame))
	assert.EqualValues(1, atomic.LoadInt64(&r.calls))
}

type fixedRetriever struct {
	msg *retriever.RetrievedMessage
	err error
}

func (f *fixedRetriever) Retrieve(ctx context.Context, adrShortHex string) (*retriever.RetrievedMessage, error) {
	return f.msg, f.err
}

type recordingIndex struct {
	stubIndex
	gotResults []byte
	gotConv    *conversation.Conversation
}

func (r *recordingIndex) ProcessSearchResults(encodedResults []byte, conv *conversation.Conversation) ([]byte, error) {
	r.gotResults = encodedResults
	r.gotConv = conv
	return []byte("decoded"), nil
}

func TestHandleNotificationDecodesFirstReplyOnQuerierConversation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	querierKeys, err := cryptoutil.GenerateKeyPair()
	require.NoError(err)
	responderKeys, err := cryptoutil.GenerateKeyPair()
	require.NoError(err)

	querierConv, err := conversation.NewQuerierConversation(querierKeys, responderKeys.Public, []byte("q"), conversation.QueryCleartext, nil)
	require.NoError(err)
	responderConv, err := conversation.NewResponderConversation(responderKeys, querierKeys.Public)
	require.NoError(err)

	addr, ciphertext, err := responderConv.Send([]byte("results"))
	require.NoError(err)
	plaintext, err := querierConv.Ingest(addr, responderKeys.Public, ciphertext)
	require.NoError(err)
	require.EqualValues(1, querierConv.InCounter())

	idx := &recordingIndex{}
	r := &fixedRetriever{msg: &retriever.RetrievedMessage{Conversation: querierConv, Plaintext: plaintext}}
	c := New(testLogBackend(t), openTestStore(t), r, &stubSender{}, idx, nil, nil, "http://example", time.Millisecond)

	frame := (&wire.Notification{AdrShortHex: "abcdef"}).ToBytes()
	require.NoError(c.dispatch(context.Background(), frame))

	assert.Equal([]byte("results"), idx.gotResults)
	assert.Same(querierConv, idx.gotConv)
}

func TestHandleNotificationSkipsDecodeOnResponderConversation(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	local, err := cryptoutil.GenerateKeyPair()
	require.NoError(err)
	var peerPub [32]byte
	peerPub[0] = 0x7
	responderConv, err := conversation.NewResponderConversation(local, peerPub)
	require.NoError(err)

	idx := &recordingIndex{}
	r := &fixedRetriever{msg: &retriever.RetrievedMessage{Conversation: responderConv, Plaintext: []byte("whatever")}}
	c := New(testLogBackend(t), openTestStore(t), r, &stubSender{}, idx, nil, nil, "http://example", time.Millisecond)

	frame := (&wire.Notification{AdrShortHex: "abcdef"}).ToBytes()
	require.NoError(c.dispatch(context.Background(), frame))

	assert.Nil(idx.gotResults)
}

func TestDispatchPublicationPersists(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	store := openTestStore(t)
	c := New(testLogBackend(t), store, &stubRetriever{}, &stubSender{}, stubIndex{}, nil, nil, "http://example", time.Millisecond)

	var pubKey [32]byte
	pubKey[0] = 0x5
	frame := (&wire.Publication{Nym: "alice", PublisherPublicKey: pubKey, CuckooFilter: []byte{1, 2}, NbDocs: 3}).ToBytes()
	require.NoError(c.dispatch(context.Background(), frame))

	msgs, err := store.GetPublicationMessages()
	require.NoError(err)
	require.Len(msgs, 1)
	assert.Equal("alice", msgs[0].Nym)
}

func TestDispatchQueryRespondsOnHit(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	local, err := cryptoutil.GenerateKeyPair()
	require.NoError(err)

	snd := &stubSender{}
	store := openTestStore(t)
	idx := &recordingIndex{}
	c := New(testLogBackend(t), store, &stubRetriever{}, snd, idx, local, nil, "http://example", time.Millisecond)

	// Bypass blind-signature validation by calling respondToQuery directly
	// with a query whose signature we don't need for this unit: it
	// exercises the search -> respond path assuming Validate succeeds.
	querier, err := cryptoutil.GenerateKeyPair()
	require.NoError(err)
	q := &wire.Query{PublicKey: querier.Public, Payload: []byte("q")}

	require.NoError(c.respondToQuery(context.Background(), q))
	assert.EqualValues(1, atomic.LoadInt64(&snd.sent))

	_, err = store.GetConversationByKey(querier.Public)
	require.NoError(err)

	// The responder sends its raw search results straight back; it must
	// never run the querier-side decode step against its own (query-
	// less) conversation.
	assert.Nil(idx.gotResults)
}

func TestCoordinatorReconnectsOverWebSocket(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	upgrader := websocket.Upgrader{}
	var served int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(err)
		defer conn.Close()
		atomic.AddInt64(&served, 1)
		frame := (&wire.Notification{AdrShortHex: "abcdef"}).ToBytes()
		_ = conn.WriteMessage(websocket.BinaryMessage, frame)
		time.Sleep(5 * time.Millisecond)
	}))
	defer srv.Close()

	r := &stubRetriever{}
	c := New(testLogBackend(t), openTestStore(t), r, &stubSender{}, stubIndex{}, nil, nil, srv.URL, 10*time.Millisecond)
	c.Start()
	defer c.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.GreaterOrEqual(atomic.LoadInt64(&served), int64(1))
	assert.GreaterOrEqual(atomic.LoadInt64(&r.calls), int64(1))
}
