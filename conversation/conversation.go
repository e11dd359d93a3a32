// Package conversation implements the conversation state machine (C3):
// the querier/responder roles, their INIT→QUERY_SENT→RECEIVING and
// INIT→RESPONDING→CONVERSING transitions, and the ratchet-driven
// send/receive operations that advance a conversation's two pigeonhole
// chains (dsnet spec §4.2, invariants 1-3 of §3).
package conversation

import (
	"errors"
	"time"

	"github.com/gtank/ristretto255"

	"github.com/dsnet-network/client/cryptoutil"
	"github.com/dsnet-network/client/ratchet"
)

// Role is which side of a conversation this node plays.
type Role byte

const (
	RoleQuerier   Role = 1
	RoleResponder Role = 2
)

// QueryType selects how a querier's search terms are encoded.
type QueryType byte

const (
	QueryCleartext QueryType = 1
	QueryDPSI      QueryType = 2
)

// State is a conversation's position in its role's state machine.
type State byte

const (
	StateInit State = iota
	StateQuerySent
	StateReceiving
	StateResponding
	StateConversing
)

var (
	// ErrNotCurrentSlot is returned by Ingest when the ciphertext's
	// address does not match the conversation's current listening
	// address — either stale traffic for an already-consumed slot, or
	// cover/collision noise. Callers should treat this as a drop, not
	// a fatal error (repository-level idempotence handles true dupes).
	ErrNotCurrentSlot = errors.New("conversation: address is not the current listening slot")
	// ErrOversizedPayload is surfaced from the ratchet layer unchanged.
	ErrOversizedPayload = ratchet.ErrOversizedPayload
)

// Message is one entry in a conversation's ordered log.
type Message struct {
	Address   [32]byte
	Payload   []byte
	FromKey   [32]byte
	Timestamp time.Time
	Outgoing  bool
}

// Conversation is the full per-peer state the spec's Data Model §3
// describes: role, keys, the query (if querier), ordered messages, and
// the two ratchet chains derived from the shared secret.
type Conversation struct {
	ID        uint64
	CreatedAt time.Time
	Role      Role
	State     State

	Local          *cryptoutil.KeyPair
	OtherPublicKey [32]byte

	Query            []byte
	QueryType        QueryType
	QueryMspsiSecret *ristretto255.Scalar

	Messages []Message

	outChain   *ratchet.Chain
	inChain    *ratchet.Chain
	outCounter uint64
	inCounter  uint64
}

// NewQuerierConversation constructs a conversation in the querier role:
// INIT → QUERY_SENT. The caller has already popped a token, built the
// query payload, and is about to broadcast it; this only sets up the
// ratchet chains and records the query for persistence.
func NewQuerierConversation(local *cryptoutil.KeyPair, otherPublic [32]byte, query []byte, qt QueryType, mspsiSecret *ristretto255.Scalar) (*Conversation, error) {
	secret, err := cryptoutil.DH(local.Private, otherPublic)
	if err != nil {
		return nil, err
	}
	c := &Conversation{
		CreatedAt:        time.Now(),
		Role:             RoleQuerier,
		State:            StateQuerySent,
		Local:            local,
		OtherPublicKey:   otherPublic,
		Query:            query,
		QueryType:        qt,
		QueryMspsiSecret: mspsiSecret,
		outChain:         ratchet.NewChain(secret, ratchet.DirOut),
		inChain:          ratchet.NewChain(secret, ratchet.DirIn),
	}
	return c, nil
}

// NewResponderConversation constructs a conversation in the responder
// role upon receiving a broadcast query: INIT → RESPONDING. Note a
// responder's "out" chain is the querier's "in" chain and vice versa —
// both sides derive the same shared secret and tag their chains with
// opposite Direction constants so address_n agrees on both ends.
func NewResponderConversation(local *cryptoutil.KeyPair, otherPublic [32]byte) (*Conversation, error) {
	secret, err := cryptoutil.DH(local.Private, otherPublic)
	if err != nil {
		return nil, err
	}
	c := &Conversation{
		CreatedAt:      time.Now(),
		Role:           RoleResponder,
		State:          StateResponding,
		Local:          local,
		OtherPublicKey: otherPublic,
		outChain:       ratchet.NewChain(secret, ratchet.DirIn),
		inChain:        ratchet.NewChain(secret, ratchet.DirOut),
	}
	return c, nil
}

// Restore rehydrates a conversation from persisted fields (repository's
// saveConversation/getConversationBy* contracts, spec.md §4.4): the
// ratchet chains are pure functions of (local, otherPublic, role), so
// only the counters and message log need to be carried across restarts.
func Restore(id uint64, createdAt time.Time, role Role, state State, local *cryptoutil.KeyPair, otherPublic [32]byte, query []byte, qt QueryType, mspsiSecret *ristretto255.Scalar, outCounter, inCounter uint64, messages []Message) (*Conversation, error) {
	secret, err := cryptoutil.DH(local.Private, otherPublic)
	if err != nil {
		return nil, err
	}
	outDir, inDir := ratchet.DirOut, ratchet.DirIn
	if role == RoleResponder {
		outDir, inDir = ratchet.DirIn, ratchet.DirOut
	}
	c := &Conversation{
		ID:               id,
		CreatedAt:        createdAt,
		Role:             role,
		State:            state,
		Local:            local,
		OtherPublicKey:   otherPublic,
		Query:            query,
		QueryType:        qt,
		QueryMspsiSecret: mspsiSecret,
		Messages:         messages,
		outChain:         ratchet.NewChain(secret, outDir),
		inChain:          ratchet.NewChain(secret, inDir),
		outCounter:       outCounter,
		inCounter:        inCounter,
	}
	return c, nil
}

// OutCounter and InCounter expose the ratchet counters for persistence.
func (c *Conversation) OutCounter() uint64 { return c.outCounter }
func (c *Conversation) InCounter() uint64  { return c.inCounter }

// CurrentListenAddress returns the address this conversation is
// currently listening on — the single outstanding pigeonhole slot
// invariant 2 of spec.md §3 describes.
func (c *Conversation) CurrentListenAddress() ([32]byte, error) {
	slot, err := c.inChain.Slot(c.inCounter)
	if err != nil {
		return [32]byte{}, err
	}
	return slot.Address, nil
}

// NextWriteAddress returns the address the next Send will write to,
// without consuming it.
func (c *Conversation) NextWriteAddress() ([32]byte, error) {
	slot, err := c.outChain.Slot(c.outCounter)
	if err != nil {
		return [32]byte{}, err
	}
	return slot.Address, nil
}

// Send encrypts plaintext onto the next outgoing ratchet slot, advances
// the outgoing counter, appends it to the message log and runs the
// role's send-side state transition.
func (c *Conversation) Send(plaintext []byte) (address [32]byte, ciphertext []byte, err error) {
	slot, err := c.outChain.Slot(c.outCounter)
	if err != nil {
		return address, nil, err
	}
	ciphertext, err = slot.Encrypt(plaintext)
	if err != nil {
		return address, nil, err
	}
	var fromKey [32]byte
	copy(fromKey[:], c.Local.Public[:])
	c.Messages = append(c.Messages, Message{
		Address:   slot.Address,
		Payload:   ciphertext,
		FromKey:   fromKey,
		Timestamp: time.Now(),
		Outgoing:  true,
	})
	c.outCounter++
	c.onSend()
	return slot.Address, ciphertext, nil
}

// Ingest attempts to decrypt an inbound ciphertext addressed to addr.
// It returns ErrNotCurrentSlot if addr isn't the conversation's current
// listening address (stale/duplicate traffic), or a ratchet decrypt
// error if the ciphertext fails to authenticate under the expected
// key (logged and dropped by the caller per spec.md §4.2's failure
// semantics). On success it advances the incoming counter, appends the
// message, and runs the role's receive-side state transition.
func (c *Conversation) Ingest(addr [32]byte, fromKey [32]byte, ciphertext []byte) ([]byte, error) {
	slot, err := c.inChain.Slot(c.inCounter)
	if err != nil {
		return nil, err
	}
	if slot.Address != addr {
		return nil, ErrNotCurrentSlot
	}
	plaintext, err := slot.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	c.Messages = append(c.Messages, Message{
		Address:   addr,
		Payload:   ciphertext,
		FromKey:   fromKey,
		Timestamp: time.Now(),
		Outgoing:  false,
	})
	c.inCounter++
	c.onRecv()
	return plaintext, nil
}

func (c *Conversation) onSend() {
	if c.Role == RoleResponder && c.State == StateResponding && c.outCounter > 1 {
		c.State = StateConversing
	}
}

func (c *Conversation) onRecv() {
	switch c.Role {
	case RoleQuerier:
		if c.State == StateQuerySent {
			c.State = StateReceiving
		}
	case RoleResponder:
		if c.State == StateResponding {
			c.State = StateConversing
		}
	}
}

// NbSent and NbRecv are derivable counters (spec.md §3: "counters
// nbSent, nbRecv (derivable from messages)"), never stored directly.
func (c *Conversation) NbSent() int {
	n := 0
	for _, m := range c.Messages {
		if m.Outgoing {
			n++
		}
	}
	return n
}

func (c *Conversation) NbRecv() int {
	n := 0
	for _, m := range c.Messages {
		if !m.Outgoing {
			n++
		}
	}
	return n
}
