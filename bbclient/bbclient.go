// Package bbclient is a thin HTTP client for the bulletin-board server
// and the token server (dsnet spec §6 "External Interfaces"). It
// follows the teacher's constructor idiom (`New(logBackend *log.Backend,
// ...)` storing a per-component `*logging.Logger`) with a bounded
// `net/http.Client` in place of the teacher's mixnet session transport.
package bbclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/katzenpost/core/log"
	"gopkg.in/op/go-logging.v1"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dsnet-network/client/blindsign"
	"github.com/dsnet-network/client/wire"
)

// defaultTimeout bounds the probabilistic-cover retriever's requests
// per spec.md §5 ("60 s default for the probabilistic retriever").
const defaultTimeout = 60 * time.Second

var (
	// ErrNonSuccess is returned when the server answers with a non-2xx
	// status code where the spec requires raising to the caller.
	ErrNonSuccess = errors.New("bbclient: non-2xx response")
	// ErrLoginRequired is returned by Commitments when the
	// token server redirected to an HTML login page instead of
	// returning MessagePack.
	ErrLoginRequired = errors.New("bbclient: token server requires login")
)

// VersionInfo is the `GET /` response body.
type VersionInfo struct {
	Message       string `msgpack:"message"`
	CoreVersion   string `msgpack:"core_version"`
	ServerVersion string `msgpack:"server_version"`
	QueryType     string `msgpack:"query_type"`
}

// Client talks to one bulletin-board server and one token server.
type Client struct {
	log            *logging.Logger
	http           *http.Client
	serverURL      string
	tokenServerURL string
}

// New constructs a Client bound to serverURL (the bulletin board) and
// tokenServerURL (the token-issuing server).
func New(logBackend *log.Backend, serverURL, tokenServerURL string) *Client {
	return &Client{
		log:            logBackend.GetLogger("bbclient"),
		http:           &http.Client{Timeout: defaultTimeout},
		serverURL:      serverURL,
		tokenServerURL: tokenServerURL,
	}
}

func joinURL(base, path string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base + path
}

// Version fetches the server's handshake info from `GET /`.
func (c *Client) Version(ctx context.Context) (*VersionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(c.serverURL, "/"), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var v VersionInfo
	if err := msgpack.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Broadcast submits a signed QUERY wire message to `/bb/broadcast`.
func (c *Client) Broadcast(ctx context.Context, q *wire.Query) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(c.serverURL, "/bb/broadcast"), bytes.NewReader(q.ToBytes()))
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}

// SendPigeonHole posts a pigeonhole ciphertext to `/ph/{addressHex}`.
func (c *Client) SendPigeonHole(ctx context.Context, addr [32]byte, msg *wire.PigeonHoleMessage) error {
	path := "/ph/" + hex.EncodeToString(addr[:])
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(c.serverURL, path), bytes.NewReader(msg.ToBytes()))
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}

// GetPigeonHole fetches the full-address pigeonhole payload used by
// the address-match retriever variant.
func (c *Client) GetPigeonHole(ctx context.Context, addr [32]byte) (*wire.PigeonHoleMessage, error) {
	path := "/ph/" + hex.EncodeToString(addr[:])
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(c.serverURL, path), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	msg, err := wire.Decode(body)
	if err != nil {
		return nil, err
	}
	phm, ok := msg.(*wire.PigeonHoleMessage)
	if !ok {
		return nil, fmt.Errorf("bbclient: unexpected wire type for /ph response")
	}
	return phm, nil
}

// GetPigeonHolesByPrefix fetches every candidate ciphertext sharing a
// 3-byte address prefix, the cover-traffic prefix endpoint used by the
// probabilistic retriever variant.
func (c *Client) GetPigeonHolesByPrefix(ctx context.Context, adrShortHex string) ([]*wire.PigeonHoleMessage, error) {
	path := "/ph/" + adrShortHex
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(c.serverURL, path), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var rawMsgs [][]byte
	if err := msgpack.Unmarshal(body, &rawMsgs); err != nil {
		return nil, err
	}
	out := make([]*wire.PigeonHoleMessage, 0, len(rawMsgs))
	for _, raw := range rawMsgs {
		msg, err := wire.Decode(raw)
		if err != nil {
			c.log.Debugf("dropping undecodable candidate for prefix %s: %v", adrShortHex, err)
			continue
		}
		if phm, ok := msg.(*wire.PigeonHoleMessage); ok {
			out = append(out, phm)
		}
	}
	return out, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s", ErrNonSuccess, resp.Status)
	}
	return body, nil
}

// --- Token server ---

// PublicKey fetches the token server's blind-signature verifier key.
func (c *Client) PublicKey(ctx context.Context) (*blindsign.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(c.tokenServerURL, "/publickey"), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var encoded []byte
	if err := msgpack.Unmarshal(body, &encoded); err != nil {
		return nil, err
	}
	return blindsign.DecodePublicKey(encoded)
}

// Commitments requests n fresh signer commitments from `/commitments`.
// If the server redirects to a login page, it returns ErrLoginRequired;
// the client does not submit login credentials or retry the request
// itself.
func (c *Client) Commitments(ctx context.Context, n int) ([]*blindsign.Commitment, error) {
	body, err := msgpack.Marshal(n)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(c.tokenServerURL, "/commitments"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/msgpack")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if isHTML(resp.Header.Get("Content-Type")) {
		return nil, ErrLoginRequired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s", ErrNonSuccess, resp.Status)
	}
	var raw [][]byte
	if err := msgpack.Unmarshal(respBody, &raw); err != nil {
		return nil, err
	}
	return blindsign.DecodeCommitments(raw)
}

func isHTML(contentType string) bool {
	return len(contentType) >= 9 && contentType[:9] == "text/html"
}

// Pretokens submits blinded challenges to `/pretokens` and returns the
// signer's raw responses, one per challenge, in order.
func (c *Client) Pretokens(ctx context.Context, challenges [][]byte) ([][]byte, error) {
	body, err := msgpack.Marshal(challenges)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(c.tokenServerURL, "/pretokens"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/msgpack")
	respBody, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var responses [][]byte
	if err := msgpack.Unmarshal(respBody, &responses); err != nil {
		return nil, err
	}
	return responses, nil
}
