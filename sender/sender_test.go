package sender

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/katzenpost/core/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsnet-network/client/bbclient"
	"github.com/dsnet-network/client/wire"
)

func testLogBackend(t *testing.T) *log.Backend {
	t.Helper()
	b, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return b
}

func TestDirectSenderPosts(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var got *wire.PigeonHoleMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(err)
		msg, err := wire.Decode(body)
		require.NoError(err)
		got = msg.(*wire.PigeonHoleMessage)
	}))
	defer srv.Close()

	bb := bbclient.New(testLogBackend(t), srv.URL, srv.URL)
	ds := NewDirectSender(bb)

	var addr [32]byte
	addr[0] = 0x1
	err := ds.Send(context.Background(), addr, &wire.PigeonHoleMessage{Address: addr, Payload: []byte("hi")})
	require.NoError(err)
	assert.Equal(addr, got.Address)
}

// TestQueueSenderEmitsOneFramePerTick exercises invariant 5 of spec.md
// §8: with only one real message queued, the server still observes a
// frame on most ticks (at least three over six tick intervals), so the
// remaining frames are cover traffic.
func TestQueueSenderEmitsOneFramePerTick(t *testing.T) {
	assert := assert.New(t)

	var frameCount int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&frameCount, 1)
	}))
	defer srv.Close()

	bb := bbclient.New(testLogBackend(t), srv.URL, srv.URL)
	const tick = 20 * time.Millisecond
	qs := NewQueueSender(testLogBackend(t), bb, func() time.Duration { return tick })
	defer qs.Stop()

	var addr [32]byte
	addr[0] = 0x2
	_ = qs.Send(context.Background(), addr, &wire.PigeonHoleMessage{Address: addr, Payload: []byte("real")})

	time.Sleep(tick * 6)
	count := atomic.LoadInt64(&frameCount)
	assert.GreaterOrEqual(count, int64(3))
}

func TestQueueSenderStopDrainsQueue(t *testing.T) {
	assert := assert.New(t)

	var frameCount int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&frameCount, 1)
	}))
	defer srv.Close()

	bb := bbclient.New(testLogBackend(t), srv.URL, srv.URL)
	qs := NewQueueSender(testLogBackend(t), bb, func() time.Duration { return time.Hour })

	var addrs [5][32]byte
	for i := range addrs {
		addrs[i][0] = byte(i + 1)
		_ = qs.Send(context.Background(), addrs[i], &wire.PigeonHoleMessage{Address: addrs[i], Payload: []byte("m")})
	}
	qs.Stop()

	assert.GreaterOrEqual(atomic.LoadInt64(&frameCount), int64(5))
}
