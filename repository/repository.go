// Package repository implements the durable, idempotent local store
// (C4): a bbolt-backed database of conversations, peers, tokens, the
// token server's verifying key, received publications and node
// parameters (dsnet spec §4.4). It follows the teacher's storage/db.go
// conventions — one bucket per concern, closures passed to db.Update
// / db.View, JSON records with byte fields carried as slices so
// encoding/json base64s them automatically.
package repository

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "github.com/coreos/bbolt"
	"github.com/dchest/siphash"
	"github.com/gtank/ristretto255"

	"github.com/dsnet-network/client/conversation"
	"github.com/dsnet-network/client/cryptoutil"
)

const dbConnectTimeout = 3 * time.Second

var (
	bucketPeers              = []byte("peers")
	bucketConversations      = []byte("conversations")
	bucketConvByPubKey       = []byte("conversations_by_pubkey")
	bucketPigeonholesByAddr  = []byte("pigeonholes_by_address")
	bucketPigeonholesByShort = []byte("pigeonholes_by_short")
	bucketTokens             = []byte("tokens")
	bucketTokenServerKeys    = []byte("token_server_keys")
	bucketPublicationMsgs    = []byte("publication_messages")
	bucketParameters         = []byte("parameters")
	bucketBroadcasts         = []byte("broadcasts")
)

// ErrNotFound is returned by single-result lookups that match nothing.
var ErrNotFound = errors.New("repository: not found")

// Store is the durable local repository.
type Store struct {
	db *bolt.DB

	// shortAddrSeen is a siphash-keyed membership cache holding every
	// adrShort prefix this node is currently listening on, rebuilt at
	// open and extended on every SaveConversation; prefixes of pruned
	// addresses stay in it until the next open. A notification whose
	// prefix is absent from this set cannot match any local pigeonhole,
	// so GetPigeonholesByShortAddress skips the bbolt cursor scan
	// entirely on that (common) path. Keyed with process-random k0/k1
	// so an adversary flooding notifications can't predict which
	// prefixes collide in the underlying map.
	shortAddrMu   sync.Mutex
	shortAddrSeen map[uint64]struct{}
	shortAddrK0   uint64
	shortAddrK1   uint64
}

// New opens (creating if absent) the bbolt-backed repository at dbFile.
func New(dbFile string) (*Store, error) {
	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: dbConnectTimeout})
	if err != nil {
		return nil, err
	}
	keyBuf, err := cryptoutil.RandomBytes(16)
	if err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{
		db:            db,
		shortAddrSeen: make(map[uint64]struct{}),
		shortAddrK0:   binary.LittleEndian.Uint64(keyBuf[:8]),
		shortAddrK1:   binary.LittleEndian.Uint64(keyBuf[8:]),
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.rebuildShortAddrCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) shortAddrHash(adrShortHex string) uint64 {
	return siphash.Hash(s.shortAddrK0, s.shortAddrK1, []byte(adrShortHex))
}

// rebuildShortAddrCache walks the by-short index once at open time to
// seed shortAddrSeen from durable state.
func (s *Store) rebuildShortAddrCache() error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPigeonholesByShort).Cursor()
		s.shortAddrMu.Lock()
		defer s.shortAddrMu.Unlock()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if i := indexByte(k, '/'); i >= 0 {
				s.shortAddrSeen[s.shortAddrHash(string(k[:i]))] = struct{}{}
			}
		}
		return nil
	})
}

func (s *Store) noteShortAddrSeen(adrShortHex string) {
	s.shortAddrMu.Lock()
	defer s.shortAddrMu.Unlock()
	s.shortAddrSeen[s.shortAddrHash(adrShortHex)] = struct{}{}
}

func (s *Store) shortAddrMayBeSeen(adrShortHex string) bool {
	s.shortAddrMu.Lock()
	defer s.shortAddrMu.Unlock()
	_, ok := s.shortAddrSeen[s.shortAddrHash(adrShortHex)]
	return ok
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func (s *Store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketPeers, bucketConversations, bucketConvByPubKey,
			bucketPigeonholesByAddr, bucketPigeonholesByShort, bucketTokens,
			bucketTokenServerKeys, bucketPublicationMsgs, bucketParameters,
			bucketBroadcasts,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---- Peers ----

// Peer is a node this client knows about and may query.
type Peer struct {
	PublicKey [32]byte
}

// SavePeer upserts a peer idempotently: duplicate public keys are
// silently ignored (spec.md §3 "Peers are upserted idempotently").
func (s *Store) SavePeer(publicKey [32]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPeers)
		if existing := b.Get(publicKey[:]); existing != nil {
			return nil
		}
		return b.Put(publicKey[:], []byte{1})
	})
}

// Peers returns every known peer.
func (s *Store) Peers() ([]Peer, error) {
	var peers []Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPeers).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			var p Peer
			copy(p.PublicKey[:], k)
			peers = append(peers, p)
		}
		return nil
	})
	return peers, err
}

// ---- Conversations ----

type jsonMessage struct {
	Address   []byte
	Payload   []byte
	FromKey   []byte
	Timestamp int64
	Outgoing  bool
}

type jsonConversation struct {
	ID                 uint64
	CreatedAt          int64
	Role               byte
	State              byte
	LocalPrivate       []byte
	OtherPublicKey     []byte
	Query              []byte
	QueryType          byte
	QueryMspsiSecret   []byte
	Messages           []jsonMessage
	ListeningAddresses [][]byte
}

func messagesToJSON(msgs []conversation.Message) []jsonMessage {
	out := make([]jsonMessage, len(msgs))
	for i, m := range msgs {
		out[i] = jsonMessage{
			Address:   append([]byte{}, m.Address[:]...),
			Payload:   append([]byte{}, m.Payload...),
			FromKey:   append([]byte{}, m.FromKey[:]...),
			Timestamp: m.Timestamp.UnixNano(),
			Outgoing:  m.Outgoing,
		}
	}
	return out
}

func messagesFromJSON(msgs []jsonMessage) []conversation.Message {
	out := make([]conversation.Message, len(msgs))
	for i, m := range msgs {
		var cm conversation.Message
		copy(cm.Address[:], m.Address)
		cm.Payload = m.Payload
		copy(cm.FromKey[:], m.FromKey)
		cm.Timestamp = time.Unix(0, m.Timestamp)
		cm.Outgoing = m.Outgoing
		out[i] = cm
	}
	return out
}

func countDirection(msgs []jsonMessage, outgoing bool) uint64 {
	var n uint64
	for _, m := range msgs {
		if m.Outgoing == outgoing {
			n++
		}
	}
	return n
}

func toJSONConversation(c *conversation.Conversation) *jsonConversation {
	j := &jsonConversation{
		ID:             c.ID,
		CreatedAt:      c.CreatedAt.UnixNano(),
		Role:           byte(c.Role),
		State:          byte(c.State),
		LocalPrivate:   append([]byte{}, c.Local.Private[:]...),
		OtherPublicKey: append([]byte{}, c.OtherPublicKey[:]...),
		Query:          append([]byte{}, c.Query...),
		QueryType:      byte(c.QueryType),
		Messages:       messagesToJSON(c.Messages),
	}
	if c.QueryMspsiSecret != nil {
		j.QueryMspsiSecret = c.QueryMspsiSecret.Bytes()
	}
	addr, err := c.CurrentListenAddress()
	if err == nil {
		j.ListeningAddresses = [][]byte{append([]byte{}, addr[:]...)}
	}
	return j
}

func fromJSONConversation(j *jsonConversation) (*conversation.Conversation, error) {
	local, err := cryptoutil.KeyPairFromPrivate(j.LocalPrivate)
	if err != nil {
		return nil, err
	}
	var otherPublic [32]byte
	copy(otherPublic[:], j.OtherPublicKey)

	var mspsiSecret *ristretto255.Scalar
	if len(j.QueryMspsiSecret) > 0 {
		mspsiSecret = ristretto255.NewScalar()
		if err := mspsiSecret.Decode(j.QueryMspsiSecret); err != nil {
			return nil, err
		}
	}

	msgs := messagesFromJSON(j.Messages)
	sort.SliceStable(msgs, func(a, b int) bool { return msgs[a].Timestamp.Before(msgs[b].Timestamp) })

	outCounter := countDirection(j.Messages, true)
	inCounter := countDirection(j.Messages, false)

	return conversation.Restore(
		j.ID,
		time.Unix(0, j.CreatedAt),
		conversation.Role(j.Role),
		conversation.State(j.State),
		local,
		otherPublic,
		j.Query,
		conversation.QueryType(j.QueryType),
		mspsiSecret,
		outCounter,
		inCounter,
		msgs,
	)
}

func conversationKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func adrShort(addr [32]byte) string {
	return fmt.Sprintf("%x", addr[:3])
}

func addrHex(addr [32]byte) string {
	return fmt.Sprintf("%x", addr[:])
}

func shortIndexKey(addr [32]byte) []byte {
	return []byte(adrShort(addr) + "/" + addrHex(addr))
}

// SaveConversation upserts a conversation by id (assigning one on first
// save), pruning listening-pigeonhole index entries that are no longer
// current and inserting new ones in the same transaction, and merging
// the message log with any already-persisted messages on their natural
// key (address) — insert-ignore, never overwrite (spec.md §4.4).
func (s *Store) SaveConversation(c *conversation.Conversation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		convBucket := tx.Bucket(bucketConversations)
		byAddr := tx.Bucket(bucketPigeonholesByAddr)
		byShort := tx.Bucket(bucketPigeonholesByShort)
		byPubKey := tx.Bucket(bucketConvByPubKey)

		if c.ID == 0 {
			id, err := convBucket.NextSequence()
			if err != nil {
				return err
			}
			c.ID = id
		}

		var existing *jsonConversation
		if raw := convBucket.Get(conversationKey(c.ID)); raw != nil {
			existing = &jsonConversation{}
			if err := json.Unmarshal(raw, existing); err != nil {
				return err
			}
		}

		next := toJSONConversation(c)

		if existing != nil {
			next.Messages = mergeMessages(existing.Messages, next.Messages)
			for _, addr := range diffAddresses(existing.ListeningAddresses, next.ListeningAddresses) {
				var a [32]byte
				copy(a[:], addr)
				if err := byAddr.Delete(a[:]); err != nil {
					return err
				}
				if err := byShort.Delete(shortIndexKey(a)); err != nil {
					return err
				}
			}
		}
		for _, addr := range diffAddresses(next.ListeningAddresses, existingAddresses(existing)) {
			var a [32]byte
			copy(a[:], addr)
			if err := byAddr.Put(a[:], conversationKey(c.ID)); err != nil {
				return err
			}
			if err := byShort.Put(shortIndexKey(a), conversationKey(c.ID)); err != nil {
				return err
			}
			s.noteShortAddrSeen(adrShort(a))
		}

		raw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		if err := convBucket.Put(conversationKey(c.ID), raw); err != nil {
			return err
		}
		return byPubKey.Put(next.OtherPublicKey, conversationKey(c.ID))
	})
}

func existingAddresses(j *jsonConversation) [][]byte {
	if j == nil {
		return nil
	}
	return j.ListeningAddresses
}

// diffAddresses returns entries in a that are not in b.
func diffAddresses(a, b [][]byte) [][]byte {
	inB := make(map[string]bool, len(b))
	for _, x := range b {
		inB[string(x)] = true
	}
	var out [][]byte
	for _, x := range a {
		if !inB[string(x)] {
			out = append(out, x)
		}
	}
	return out
}

// mergeMessages unions two message lists, preferring the already
// persisted entry on an address collision (insert-ignore semantics).
func mergeMessages(existing, incoming []jsonMessage) []jsonMessage {
	seen := make(map[string]bool, len(existing))
	out := make([]jsonMessage, 0, len(existing)+len(incoming))
	for _, m := range existing {
		seen[string(m.Address)] = true
		out = append(out, m)
	}
	for _, m := range incoming {
		if seen[string(m.Address)] {
			continue
		}
		seen[string(m.Address)] = true
		out = append(out, m)
	}
	return out
}

func (s *Store) getConversationByIndex(bucket []byte, key []byte) (*conversation.Conversation, error) {
	var conv *conversation.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		idxBucket := tx.Bucket(bucket)
		idBytes := idxBucket.Get(key)
		if idBytes == nil {
			return nil
		}
		raw := tx.Bucket(bucketConversations).Get(idBytes)
		if raw == nil {
			return nil
		}
		var j jsonConversation
		if err := json.Unmarshal(raw, &j); err != nil {
			return err
		}
		c, err := fromJSONConversation(&j)
		if err != nil {
			return err
		}
		conv = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	return conv, nil
}

// GetConversationByAddress finds the conversation currently listening
// on the exact pigeonhole address addr.
func (s *Store) GetConversationByAddress(addr [32]byte) (*conversation.Conversation, error) {
	return s.getConversationByIndex(bucketPigeonholesByAddr, addr[:])
}

// GetConversationByKey finds the conversation with peer public key pk.
func (s *Store) GetConversationByKey(pk [32]byte) (*conversation.Conversation, error) {
	return s.getConversationByIndex(bucketConvByPubKey, pk[:])
}

// GetPigeonholesByShortAddress returns every conversation whose current
// listening address shares the 3-byte hex prefix adrShort.
func (s *Store) GetPigeonholesByShortAddress(adrShortHex string) ([]*conversation.Conversation, error) {
	if !s.shortAddrMayBeSeen(adrShortHex) {
		return nil, nil
	}
	var out []*conversation.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPigeonholesByShort).Cursor()
		prefix := []byte(adrShortHex + "/")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			raw := tx.Bucket(bucketConversations).Get(v)
			if raw == nil {
				continue
			}
			var j jsonConversation
			if err := json.Unmarshal(raw, &j); err != nil {
				return err
			}
			conv, err := fromJSONConversation(&j)
			if err != nil {
				return err
			}
			out = append(out, conv)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
