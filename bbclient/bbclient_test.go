package bbclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/katzenpost/core/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dsnet-network/client/blindsign"
	"github.com/dsnet-network/client/wire"
)

func testLogBackend(t *testing.T) *log.Backend {
	t.Helper()
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func TestVersion(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/", r.URL.Path)
		body, _ := msgpack.Marshal(VersionInfo{
			Message: "hello", CoreVersion: "1.0", ServerVersion: "2.0", QueryType: "CLEARTEXT",
		})
		w.Write(body)
	}))
	defer srv.Close()

	c := New(testLogBackend(t), srv.URL, srv.URL)
	v, err := c.Version(context.Background())
	require.NoError(err)
	assert.Equal("hello", v.Message)
	assert.Equal("CLEARTEXT", v.QueryType)
}

func TestBroadcastNonSuccessReturnsError(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/bb/broadcast", r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(testLogBackend(t), srv.URL, srv.URL)
	q := &wire.Query{Payload: []byte("p")}
	err := c.Broadcast(context.Background(), q)
	assert.ErrorIs(err, ErrNonSuccess)
}

func TestGetPigeonHoleRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var addr [32]byte
	addr[0] = 0x7

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		phm := &wire.PigeonHoleMessage{Address: addr, Payload: []byte("ciphertext")}
		w.Write(phm.ToBytes())
	}))
	defer srv.Close()

	c := New(testLogBackend(t), srv.URL, srv.URL)
	phm, err := c.GetPigeonHole(context.Background(), addr)
	require.NoError(err)
	assert.Equal(addr, phm.Address)
	assert.Equal([]byte("ciphertext"), phm.Payload)
}

func TestGetPigeonHolesByPrefixFiltersUndecodable(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var addr [32]byte
	addr[0] = 0x9
	good := (&wire.PigeonHoleMessage{Address: addr, Payload: []byte("x")}).ToBytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := msgpack.Marshal([][]byte{good, {0xFF}})
		w.Write(body)
	}))
	defer srv.Close()

	c := New(testLogBackend(t), srv.URL, srv.URL)
	msgs, err := c.GetPigeonHolesByPrefix(context.Background(), "abcdef")
	require.NoError(err)
	assert.Len(msgs, 1)
	assert.Equal(addr, msgs[0].Address)
}

func TestPublicKeyRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	_, pub, err := blindsign.GenerateKeyPair()
	require.NoError(err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal("/publickey", r.URL.Path)
		body, _ := msgpack.Marshal(blindsign.EncodePublicKey(pub))
		w.Write(body)
	}))
	defer srv.Close()

	c := New(testLogBackend(t), srv.URL, srv.URL)
	decoded, err := c.PublicKey(context.Background())
	require.NoError(err)
	assert.Equal(pub.Y.Bytes(), decoded.Y.Bytes())
}

func TestCommitmentsLoginRequired(t *testing.T) {
	assert := assert.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body><form action=\"/login\"></form></body></html>"))
	}))
	defer srv.Close()

	c := New(testLogBackend(t), srv.URL, srv.URL)
	_, err := c.Commitments(context.Background(), 1)
	assert.ErrorIs(err, ErrLoginRequired)
}

func TestPretokensRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var challenges [][]byte
		require.NoError(msgpack.NewDecoder(r.Body).Decode(&challenges))
		responses := make([][]byte, len(challenges))
		for i := range challenges {
			responses[i] = []byte("resp")
		}
		body, _ := msgpack.Marshal(responses)
		w.Write(body)
	}))
	defer srv.Close()

	c := New(testLogBackend(t), srv.URL, srv.URL)
	responses, err := c.Pretokens(context.Background(), [][]byte{[]byte("a"), []byte("b")})
	require.NoError(err)
	assert.Len(responses, 2)
}
