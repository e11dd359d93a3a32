// Package mspsi implements the multi-set private-set-intersection
// engine (C8): an OPRF-based keyword matching scheme that lets a
// querier learn, per responder document, which of its search keywords
// matched without revealing the keywords themselves, and without the
// responder learning which entities matched (dsnet spec §4.7).
//
// Entities and keywords are hashed onto the ristretto255 group the
// same way the retrieved OPRF package hashes its inputs
// (schemes/complex/oprf), and per-document membership is recorded in a
// bucketed bloom filter — the closest analog to a cuckoo filter
// anywhere in the retrieved dependency graph (it is already an
// indirect dependency of the teacher's own go.mod).
package mspsi

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"

	bloom "git.schwanenlied.me/yawning/bloom.git"
	"github.com/gtank/ristretto255"

	"github.com/dsnet-network/client/cryptoutil"
)

// falsePositiveRate is the fixed filter error rate ε spec.md §4.7 calls for.
const falsePositiveRate = 0.01

// ErrLengthMismatch indicates a reply array did not match its query's
// point count.
var ErrLengthMismatch = errors.New("mspsi: reply length mismatch")

// HashToPoint maps an arbitrary byte string (a named-entity mention or
// a search keyword) onto the ristretto255 group via the Elligator2
// uniform-bytes map, domain-separated from the blind-signature
// package's own hash-to-scalar challenge derivation.
func HashToPoint(mention []byte) *ristretto255.Element {
	wide := make([]byte, 64)
	d1 := cryptoutil.Hash([]byte("dsnet-mspsi-point"), mention)
	d2 := cryptoutil.Hash([]byte("dsnet-mspsi-point-expand"), d1)
	copy(wide, d1)
	copy(wide[32:], d2)
	e := ristretto255.NewIdentityElement()
	_, _ = e.FromUniformBytes(wide)
	return e
}

func randomScalar() (*ristretto255.Scalar, error) {
	seed, err := cryptoutil.RandomBytes(64)
	if err != nil {
		return nil, err
	}
	s := ristretto255.NewScalar()
	if _, err := s.SetUniformBytes(seed); err != nil {
		return nil, err
	}
	return s, nil
}

func docSalt(d uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], d)
	return cryptoutil.Hash([]byte("dsnet-mspsi-doc-salt"), b[:])
}

func bucketKey(salt []byte, p *ristretto255.Element) []byte {
	return cryptoutil.Hash(salt, p.Bytes())
}

// Publication is the data owner's result of Publish: the per-publication
// OPRF secret s_pub (kept to answer future queries via Reply) and the
// cuckoo-filter-analog bytes broadcast in a PUBLICATION wire message.
type Publication struct {
	Secret *ristretto255.Scalar
	Filter *bloom.BloomFilter
	NbDocs uint32
}

// Publish builds the publication for a responder's document set.
// entitiesPerDoc[d] lists the named-entity mentions extracted from
// document d; nHits bounds the filter's expected insertion count.
func Publish(entitiesPerDoc [][][]byte, nHits uint) (*Publication, error) {
	s, err := randomScalar()
	if err != nil {
		return nil, err
	}
	filter := bloom.NewWithEstimates(nHits, falsePositiveRate)
	for d, entities := range entitiesPerDoc {
		salt := docSalt(uint32(d))
		for _, mention := range entities {
			p := HashToPoint(mention)
			blinded := ristretto255.NewIdentityElement().ScalarMult(s, p)
			filter.Add(bucketKey(salt, blinded))
		}
	}
	return &Publication{Secret: s, Filter: filter, NbDocs: uint32(len(entitiesPerDoc))}, nil
}

// Reply answers a querier's blinded points with s_pub*Q_j for each,
// touching no other state (spec §4.7 "no other state touched").
func Reply(secret *ristretto255.Scalar, blindedQueries []*ristretto255.Element) []*ristretto255.Element {
	out := make([]*ristretto255.Element, len(blindedQueries))
	for i, q := range blindedQueries {
		out[i] = ristretto255.NewIdentityElement().ScalarMult(secret, q)
	}
	return out
}

// Query is the querier-side state of an in-flight MSPSI search: the
// fresh blinding scalar s_q and the blinded points sent on the wire.
type Query struct {
	Secret *ristretto255.Scalar
	Points []*ristretto255.Element
}

// NewQuery blinds each keyword with a fresh scalar s_q, producing the
// points to encode into the QUERY payload.
func NewQuery(keywords [][]byte) (*Query, error) {
	s, err := randomScalar()
	if err != nil {
		return nil, err
	}
	points := make([]*ristretto255.Element, len(keywords))
	for i, kw := range keywords {
		h := HashToPoint(kw)
		points[i] = ristretto255.NewIdentityElement().ScalarMult(s, h)
	}
	return &Query{Secret: s, Points: points}, nil
}

// DecodeReply unblinds a responder's reply points by s_q^-1, yielding
// the querier's probes s_pub*H(kwd_j) to test against a publication's
// filter.
func DecodeReply(q *Query, replies []*ristretto255.Element) ([]*ristretto255.Element, error) {
	if len(replies) != len(q.Points) {
		return nil, ErrLengthMismatch
	}
	inv := ristretto255.NewScalar().Invert(q.Secret)
	out := make([]*ristretto255.Element, len(replies))
	for i, r := range replies {
		out[i] = ristretto255.NewIdentityElement().ScalarMult(inv, r)
	}
	return out, nil
}

// ProcessReply tests every probe against every document bucket of
// filter, returning for each document the indices of keywords that
// matched. The result has length nbDocs, one (possibly empty) slice
// per document, matching spec §4.7's `[[kwdIdx, ...], ...]` shape.
func ProcessReply(probes []*ristretto255.Element, nbDocs uint32, filter *bloom.BloomFilter) [][]int {
	matches := make([][]int, nbDocs)
	for d := uint32(0); d < nbDocs; d++ {
		salt := docSalt(d)
		var hits []int
		for j, p := range probes {
			if filter.Test(bucketKey(salt, p)) {
				hits = append(hits, j)
			}
		}
		matches[d] = hits
	}
	return matches
}

// SerializeFilter encodes a filter to the opaque bytes carried as a
// Publication's `cuckooFilter` field in a PUBLICATION wire message.
func SerializeFilter(filter *bloom.BloomFilter) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(filter); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DeserializeFilter parses filter bytes received in a PUBLICATION message.
func DeserializeFilter(b []byte) (*bloom.BloomFilter, error) {
	var filter bloom.BloomFilter
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&filter); err != nil {
		return nil, err
	}
	return &filter, nil
}

// SerializePoints encodes a slice of ristretto255 points to fixed-width
// 32-byte records, the shape MessagePack carries QUERY/reply payloads in.
func SerializePoints(points []*ristretto255.Element) [][]byte {
	out := make([][]byte, len(points))
	for i, p := range points {
		out[i] = p.Bytes()
	}
	return out
}

// DeserializePoints parses fixed-width 32-byte point records.
func DeserializePoints(raw [][]byte) ([]*ristretto255.Element, error) {
	out := make([]*ristretto255.Element, len(raw))
	for i, b := range raw {
		e := ristretto255.NewIdentityElement()
		if err := e.Decode(b); err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}
