// Package coordinator implements the client coordinator (C9): the
// long-lived task that subscribes to the bulletin board's notification
// stream, resumes from the last persisted broadcast timestamp, and
// dispatches each tagged frame to the retriever, the responder path
// (validate → search → respond), or publication persistence (dsnet
// spec §4.9). Grounded on the teacher's send_queue.go SendQueue: a
// worker.Worker-embedding loop selecting on a timer/channel and
// HaltCh() for cooperative cancellation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/katzenpost/core/log"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/dsnet-network/client/blindsign"
	"github.com/dsnet-network/client/conversation"
	"github.com/dsnet-network/client/cryptoutil"
	"github.com/dsnet-network/client/index"
	"github.com/dsnet-network/client/repository"
	"github.com/dsnet-network/client/retriever"
	"github.com/dsnet-network/client/sender"
	"github.com/dsnet-network/client/token"
	"github.com/dsnet-network/client/wire"
)

// MaxErrors is the consecutive-error budget spec.md §4.9 fixes before
// the coordinator gives up and raises a Fatal error.
const MaxErrors = 5

// ErrFatal is raised to the caller's fatal channel once MaxErrors
// consecutive reconnect attempts have failed.
var ErrFatal = errors.New("coordinator: exceeded maximum consecutive errors")

// Coordinator owns the notification-stream subscription and the
// dispatch of NOTIFICATION, QUERY and PUBLICATION frames.
type Coordinator struct {
	worker.Worker

	log            *logging.Logger
	repo           *repository.Store
	retriever      retriever.MessageRetriever
	sender         sender.MessageSender
	index          index.Index
	local          *cryptoutil.KeyPair
	serverKey      *blindsign.PublicKey
	notifyBaseURL  string
	reconnectDelay time.Duration

	mu       sync.Mutex
	errCount int
	fatalCh  chan error
}

// New wires the coordinator's collaborators. notifyBaseURL is the
// bulletin board's base HTTP(S) URL; it is translated to ws/wss when
// dialing /notifications.
func New(logBackend *log.Backend, repo *repository.Store, r retriever.MessageRetriever, s sender.MessageSender, idx index.Index, local *cryptoutil.KeyPair, serverKey *blindsign.PublicKey, notifyBaseURL string, reconnectDelay time.Duration) *Coordinator {
	return &Coordinator{
		log:            logBackend.GetLogger("Coordinator"),
		repo:           repo,
		retriever:      r,
		sender:         s,
		index:          idx,
		local:          local,
		serverKey:      serverKey,
		notifyBaseURL:  notifyBaseURL,
		reconnectDelay: reconnectDelay,
		fatalCh:        make(chan error, 1),
	}
}

// Start launches the coordinator's background task.
func (c *Coordinator) Start() {
	c.Go(c.worker)
}

// Stop requests cancellation; the background task observes it at its
// next suspension point (every HTTP/DB/WebSocket call or backoff sleep).
func (c *Coordinator) Stop() {
	c.Halt()
}

// FatalCh signals ErrFatal if MaxErrors consecutive reconnects fail.
func (c *Coordinator) FatalCh() <-chan error {
	return c.fatalCh
}

func wsURL(base string, resumeFrom time.Time, hasResume bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = u.Path + "/notifications"
	if hasResume {
		q := u.Query()
		q.Set("ts", strconv.FormatFloat(float64(resumeFrom.UnixNano())/1e9, 'f', -1, 64))
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *Coordinator) worker() {
	for {
		select {
		case <-c.HaltCh():
			c.log.Debug("halting")
			return
		default:
		}

		if err := c.runOnce(); err != nil {
			c.mu.Lock()
			c.errCount++
			n := c.errCount
			c.mu.Unlock()
			c.log.Errorf("notification stream error (%d/%d): %v", n, MaxErrors, err)
			if n >= MaxErrors {
				c.fatalCh <- ErrFatal
				return
			}
			select {
			case <-c.HaltCh():
				return
			case <-time.After(c.reconnectDelay):
			}
			continue
		}
		c.mu.Lock()
		c.errCount = 0
		c.mu.Unlock()
	}
}

// runOnce dials, streams until a transport error or halt, and returns
// nil only when halted cleanly. A successful dial resets the
// consecutive-error count.
func (c *Coordinator) runOnce() error {
	lastTs, hasResume, err := c.repo.GetLastBroadcastTimestamp()
	if err != nil {
		return err
	}
	dialURL, err := wsURL(c.notifyBaseURL, lastTs, hasResume)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.mu.Lock()
	c.errCount = 0
	c.mu.Unlock()

	go func() {
		select {
		case <-c.HaltCh():
			conn.Close()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-c.HaltCh():
			return nil
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.HaltCh():
				return nil
			default:
				return err
			}
		}
		if err := c.dispatch(ctx, data); err != nil {
			c.log.Debugf("dispatch error, dropping frame: %v", err)
		}
		if err := c.repo.RecordBroadcast(time.Now()); err != nil {
			return err
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, frame []byte) error {
	msg, err := wire.Decode(frame)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *wire.Notification:
		return c.handleNotification(ctx, m)
	case *wire.Query:
		return c.handleQuery(ctx, m)
	case *wire.Publication:
		return c.handlePublication(m)
	default:
		return fmt.Errorf("coordinator: unexpected frame type %T on notification stream", msg)
	}
}

// handleNotification retrieves and ingests the pigeonhole a notification
// points at, then — for a querier's own conversation receiving its
// first reply — runs the index's decode step so the matched keywords
// or MSPSI match-vector become an application-visible payload rather
// than opaque ciphertext (dsnet spec §4.8 processSearchResults). Later
// messages on an already-conversing querier conversation are plain
// ratcheted traffic, not a search reply, so the decode step only
// applies to the first inbound message.
func (c *Coordinator) handleNotification(ctx context.Context, n *wire.Notification) error {
	retrieved, err := c.retriever.Retrieve(ctx, n.AdrShortHex)
	if errors.Is(err, retriever.ErrNoMatch) {
		return nil
	}
	if err != nil {
		return err
	}
	if retrieved.Conversation.Role != conversation.RoleQuerier || retrieved.Conversation.InCounter() != 1 {
		return nil
	}
	decoded, err := c.index.ProcessSearchResults(retrieved.Plaintext, retrieved.Conversation)
	if err != nil {
		c.log.Debugf("dropping undecodable reply on conversation %d: %v", retrieved.Conversation.ID, err)
		return nil
	}
	c.log.Infof("decoded search results for conversation %d (%d bytes)", retrieved.Conversation.ID, len(decoded))
	return nil
}

// handleQuery validates an inbound broadcast query against the token
// server's verifying key, then hands it to respondToQuery.
func (c *Coordinator) handleQuery(ctx context.Context, q *wire.Query) error {
	if err := token.Validate(q, c.serverKey); err != nil {
		c.log.Debugf("dropping query with invalid signature: %v", err)
		return nil
	}
	return c.respondToQuery(ctx, q)
}

// respondToQuery searches the local index for an already-validated
// query, and — on a hit — responds on a fresh or resumed responder
// conversation. Split from handleQuery so the search/respond path is
// exercised independently of the blind-signature check.
func (c *Coordinator) respondToQuery(ctx context.Context, q *wire.Query) error {
	conv, err := c.repo.GetConversationByKey(q.PublicKey)
	if errors.Is(err, repository.ErrNotFound) {
		conv, err = conversation.NewResponderConversation(c.local, q.PublicKey)
	}
	if err != nil {
		return err
	}

	encodedResults, err := c.index.Search(q.Payload)
	if errors.Is(err, index.ErrNoResults) {
		return nil
	}
	if err != nil {
		return err
	}

	// The responder sends its raw search results back as the reply
	// payload; decoding them into an application-visible form is a
	// querier-side operation (index.ProcessSearchResults) run against
	// the querier's own conversation once the reply is retrieved, not
	// something the responder does to its own (query-less) conversation.
	addr, ciphertext, err := conv.Send(encodedResults)
	if err != nil {
		return err
	}
	var fromKey [32]byte
	copy(fromKey[:], c.local.Public[:])
	if err := c.sender.Send(ctx, addr, &wire.PigeonHoleMessage{Address: addr, FromKey: fromKey, Payload: ciphertext}); err != nil {
		return err
	}
	return c.repo.SaveConversation(conv)
}

func (c *Coordinator) handlePublication(p *wire.Publication) error {
	return c.repo.SavePublicationMessage(repository.PublicationMessage{
		Nym:                p.Nym,
		PublisherPublicKey: p.PublisherPublicKey,
		CuckooFilter:       p.CuckooFilter,
		NbDocs:             p.NbDocs,
	})
}
