package repository

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "github.com/coreos/bbolt"
)

// AbeToken is a single-use blind-signature query token (spec.md §3
// "AbeToken"). Consumed atomically by popToken on query issuance.
type AbeToken struct {
	TokenSecretKey ed25519.PrivateKey
	BlindSignature []byte
}

type jsonAbeToken struct {
	TokenSecretKey []byte
	BlindSignature []byte
}

func timeSeqKey(t time.Time, seq uint64) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(t.UnixNano()))
	binary.BigEndian.PutUint64(b[8:16], seq)
	return b[:]
}

// SaveTokens bulk inserts freshly acquired tokens.
func (s *Store) SaveTokens(tokens []AbeToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		now := time.Now()
		for _, tok := range tokens {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			raw, err := json.Marshal(jsonAbeToken{
				TokenSecretKey: append([]byte{}, tok.TokenSecretKey...),
				BlindSignature: append([]byte{}, tok.BlindSignature...),
			})
			if err != nil {
				return err
			}
			if err := b.Put(timeSeqKey(now, seq), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// PopToken selects the newest-by-timestamp token, deletes it, and
// returns it, all within one transaction (spec.md §4.4 popToken).
// It returns ErrNotFound if no tokens remain ("NO_TOKEN").
func (s *Store) PopToken() (*AbeToken, error) {
	var tok *AbeToken
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		c := b.Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		var j jsonAbeToken
		if err := json.Unmarshal(v, &j); err != nil {
			return err
		}
		if err := b.Delete(k); err != nil {
			return err
		}
		tok = &AbeToken{TokenSecretKey: ed25519.PrivateKey(j.TokenSecretKey), BlindSignature: j.BlindSignature}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, ErrNotFound
	}
	return tok, nil
}

// ServerPublicKey is the token server's blind-signature verifier key,
// rotation of which invalidates any tokens signed under an older key.
type ServerPublicKey struct {
	Key       []byte
	Timestamp time.Time
}

type jsonServerPublicKey struct {
	Key       []byte
	Timestamp int64
}

// SaveTokenServerKey appends a newly observed server public key.
func (s *Store) SaveTokenServerKey(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokenServerKeys)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		now := time.Now()
		raw, err := json.Marshal(jsonServerPublicKey{Key: append([]byte{}, key...), Timestamp: now.UnixNano()})
		if err != nil {
			return err
		}
		return b.Put(timeSeqKey(now, seq), raw)
	})
}

// GetTokenServerKey returns the latest-by-timestamp server public key.
func (s *Store) GetTokenServerKey() (*ServerPublicKey, error) {
	var out *ServerPublicKey
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTokenServerKeys).Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		var j jsonServerPublicKey
		if err := json.Unmarshal(v, &j); err != nil {
			return err
		}
		out = &ServerPublicKey{Key: j.Key, Timestamp: time.Unix(0, j.Timestamp)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// PublicationMessage is a responder's MSPSI publication received over
// the bulletin board (spec.md §3 "PublicationMessage").
type PublicationMessage struct {
	Nym                string
	PublisherPublicKey [32]byte
	CuckooFilter       []byte
	NbDocs             uint32
	CreatedAt          time.Time
}

type jsonPublicationMessage struct {
	Nym                string
	PublisherPublicKey []byte
	CuckooFilter       []byte
	NbDocs             uint32
	CreatedAt          int64
}

// SavePublicationMessage inserts pm unless a publication from the same
// publisher already exists (ON CONFLICT(publisherPublicKey) DO NOTHING).
func (s *Store) SavePublicationMessage(pm PublicationMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPublicationMsgs)
		if b.Get(pm.PublisherPublicKey[:]) != nil {
			return nil
		}
		raw, err := json.Marshal(jsonPublicationMessage{
			Nym:                pm.Nym,
			PublisherPublicKey: append([]byte{}, pm.PublisherPublicKey[:]...),
			CuckooFilter:       append([]byte{}, pm.CuckooFilter...),
			NbDocs:             pm.NbDocs,
			CreatedAt:          time.Now().UnixNano(),
		})
		if err != nil {
			return err
		}
		return b.Put(pm.PublisherPublicKey[:], raw)
	})
}

// GetPublicationMessages returns every received publication.
func (s *Store) GetPublicationMessages() ([]PublicationMessage, error) {
	var out []PublicationMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketPublicationMsgs).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var j jsonPublicationMessage
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			var pm PublicationMessage
			pm.Nym = j.Nym
			copy(pm.PublisherPublicKey[:], j.PublisherPublicKey)
			pm.CuckooFilter = j.CuckooFilter
			pm.NbDocs = j.NbDocs
			pm.CreatedAt = time.Unix(0, j.CreatedAt)
			out = append(out, pm)
		}
		return nil
	})
	return out, err
}

// SetParameter stores a small named value, e.g. the node's nym.
func (s *Store) SetParameter(name string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketParameters).Put([]byte(name), value)
	})
}

// GetParameter retrieves a previously set parameter.
func (s *Store) GetParameter(name string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketParameters).Get([]byte(name))
		if v == nil {
			return nil
		}
		out = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// RecordBroadcast timestamps a processed server broadcast/notification,
// feeding getLastBroadcastTimestamp's resume-from-timestamp contract.
func (s *Store) RecordBroadcast(ts time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBroadcasts)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(timeSeqKey(ts, seq), []byte{})
	})
}

// GetLastBroadcastTimestamp returns MAX(timestamp) over persisted
// broadcasts, used by the coordinator to resume the notification
// stream from where it left off.
func (s *Store) GetLastBroadcastTimestamp() (time.Time, bool, error) {
	var out time.Time
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBroadcasts).Cursor()
		k, _ := c.Last()
		if k == nil {
			return nil
		}
		out = time.Unix(0, int64(binary.BigEndian.Uint64(k[0:8])))
		found = true
		return nil
	})
	return out, found, err
}
