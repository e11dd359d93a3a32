// Package index implements the document index abstraction (C8's
// search-side collaborator, dsnet spec §4.8): a polymorphic contract
// over {in-memory, MSPSI-backed} document sources that a responder
// consults to answer an incoming query, and a querier consults to turn
// a responder's reply into a decoded payload. Grounded on the
// teacher's pop3/proxy split of "transport-shaped" vs "content-shaped"
// interfaces — one small method table, multiple concrete backings.
package index

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dsnet-network/client/conversation"
	"github.com/dsnet-network/client/mspsi"
	"github.com/dsnet-network/client/query"
	"github.com/dsnet-network/client/repository"
)

// ErrNoResults is the "None" case of search(encodedQuery).
var ErrNoResults = errors.New("index: no results")

// Document is one entry a responder can match queries against and
// serve back via getDocuments().
type Document struct {
	ID    uint32
	Title string
	Body  string
}

// Index is the contract spec.md §4.8 gives: search a locally held
// document set, turn a reply into an application-visible payload,
// publish the document set's searchable representation, and list the
// documents themselves.
type Index interface {
	Search(encodedQuery []byte) ([]byte, error)
	ProcessSearchResults(encodedResults []byte, conv *conversation.Conversation) ([]byte, error)
	Publish() (nTotal uint32, entitiesPerDoc [][][]byte, err error)
	GetDocuments() ([]Document, error)
}

// entitiesOf tokenizes a document's searchable text into named-entity
// mentions. No NER library exists anywhere in the retrieved pack, so
// mentions are the same word/quoted-phrase tokens dsnetclient's
// tokenizer produces for query keywords — grounded on the same
// tokenize_with_double_quotes regex the query package already ports.
func entitiesOf(d Document) [][]byte {
	words := query.Tokenize(d.Title + " " + d.Body)
	out := make([][]byte, len(words))
	for i, w := range words {
		out[i] = []byte(w)
	}
	return out
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// MemoryIndex is the plain CLEARTEXT backing: search simply grep-matches
// a query's keywords against each document's tokenized text and
// replies with the subset of keywords that hit at least one document
// (dsnet spec §8 scenario S3: a query for `{foo, bar}` against a
// document containing "foo" decodes to `["foo"]`).
type MemoryIndex struct {
	docs []Document
}

// NewMemoryIndex wraps a fixed document set.
func NewMemoryIndex(docs []Document) *MemoryIndex {
	return &MemoryIndex{docs: docs}
}

func (m *MemoryIndex) Search(encodedQuery []byte) ([]byte, error) {
	var keywords [][]byte
	if err := msgpack.Unmarshal(encodedQuery, &keywords); err != nil {
		return nil, err
	}
	var matched [][]byte
	for _, kw := range keywords {
		target := string(kw)
		hit := false
		for _, d := range m.docs {
			if contains(query.Tokenize(d.Title+" "+d.Body), target) {
				hit = true
				break
			}
		}
		if hit {
			matched = append(matched, kw)
		}
	}
	if len(matched) == 0 {
		return nil, ErrNoResults
	}
	return msgpack.Marshal(matched)
}

// ProcessSearchResults decodes a CLEARTEXT reply into the list of
// matched keywords, re-encoded as the application-visible payload.
func (m *MemoryIndex) ProcessSearchResults(encodedResults []byte, _ *conversation.Conversation) ([]byte, error) {
	matched, err := query.DecodeCleartextReply(encodedResults)
	if err != nil {
		return nil, err
	}
	words := make([]string, len(matched))
	for i, w := range matched {
		words[i] = string(w)
	}
	return msgpack.Marshal(words)
}

func (m *MemoryIndex) Publish() (uint32, [][][]byte, error) {
	out := make([][][]byte, len(m.docs))
	for i, d := range m.docs {
		out[i] = entitiesOf(d)
	}
	return uint32(len(m.docs)), out, nil
}

func (m *MemoryIndex) GetDocuments() ([]Document, error) {
	return m.docs, nil
}

// MSPSIIndex is the privacy-preserving backing: it composes the MSPSI
// engine (C8) with an underlying document source. As responder it
// answers blinded query points via mspsi.Reply. As querier it unblinds
// a responder's reply against the originally sent points and tests the
// probes against that responder's last-known publication filter
// (persisted via repository.SavePublicationMessage on receipt of a
// PUBLICATION broadcast).
type MSPSIIndex struct {
	docs   *MemoryIndex
	repo   *repository.Store
	secret *ristretto255SecretHolder
}

// ristretto255SecretHolder indirects the responder's own publish
// secret so MSPSIIndex can be constructed before or after publish().
type ristretto255SecretHolder struct {
	pub *mspsi.Publication
}

// NewMSPSIIndex wraps a document source and the local repository used
// to look up a peer's most recent publication filter when answering
// as querier.
func NewMSPSIIndex(docs []Document, repo *repository.Store) *MSPSIIndex {
	return &MSPSIIndex{docs: NewMemoryIndex(docs), repo: repo, secret: &ristretto255SecretHolder{}}
}

// Search answers an incoming DPSI query: decode the blinded points,
// reply under this responder's own publish secret (set by the most
// recent Publish() call), and re-encode.
func (x *MSPSIIndex) Search(encodedQuery []byte) ([]byte, error) {
	if x.secret.pub == nil {
		return nil, errors.New("index: publish() has not been called")
	}
	var raw [][]byte
	if err := msgpack.Unmarshal(encodedQuery, &raw); err != nil {
		return nil, err
	}
	points, err := mspsi.DeserializePoints(raw)
	if err != nil {
		return nil, err
	}
	replies := mspsi.Reply(x.secret.pub.Secret, points)
	return msgpack.Marshal(mspsi.SerializePoints(replies))
}

// ProcessSearchResults unblinds conv's own query points by the reply,
// then tests each probe against the responder's publication filter,
// yielding the `[[kwdIdx, ...], ...]` match-vector shape spec.md §4.7
// describes, re-encoded as the decoded payload.
func (x *MSPSIIndex) ProcessSearchResults(encodedResults []byte, conv *conversation.Conversation) ([]byte, error) {
	var rawReplies [][]byte
	if err := msgpack.Unmarshal(encodedResults, &rawReplies); err != nil {
		return nil, err
	}
	replyPoints, err := mspsi.DeserializePoints(rawReplies)
	if err != nil {
		return nil, err
	}

	var rawQueryPoints [][]byte
	if err := msgpack.Unmarshal(conv.Query, &rawQueryPoints); err != nil {
		return nil, err
	}
	queryPoints, err := mspsi.DeserializePoints(rawQueryPoints)
	if err != nil {
		return nil, err
	}

	q := &mspsi.Query{Secret: conv.QueryMspsiSecret, Points: queryPoints}
	probes, err := mspsi.DecodeReply(q, replyPoints)
	if err != nil {
		return nil, err
	}

	pubs, err := x.repo.GetPublicationMessages()
	if err != nil {
		return nil, err
	}
	var pm *repository.PublicationMessage
	for i := range pubs {
		if pubs[i].PublisherPublicKey == conv.OtherPublicKey {
			pm = &pubs[i]
		}
	}
	if pm == nil {
		return nil, ErrNoResults
	}
	filter, err := mspsi.DeserializeFilter(pm.CuckooFilter)
	if err != nil {
		return nil, err
	}

	matches := mspsi.ProcessReply(probes, pm.NbDocs, filter)
	return msgpack.Marshal(matches)
}

// Publish builds this responder's MSPSI publication over its own
// document set and retains the secret so Search can answer with it.
func (x *MSPSIIndex) Publish() (uint32, [][][]byte, error) {
	nTotal, entitiesPerDoc, err := x.docs.Publish()
	if err != nil {
		return 0, nil, err
	}
	nHits := uint(0)
	for _, e := range entitiesPerDoc {
		nHits += uint(len(e))
	}
	pub, err := mspsi.Publish(entitiesPerDoc, nHits)
	if err != nil {
		return 0, nil, err
	}
	x.secret.pub = pub
	return nTotal, entitiesPerDoc, nil
}

// Filter exposes the most recent Publish() result's serialized cuckoo
// filter, the bytes a PUBLICATION wire message broadcasts.
func (x *MSPSIIndex) Filter() ([]byte, uint32, error) {
	if x.secret.pub == nil {
		return nil, 0, errors.New("index: publish() has not been called")
	}
	b, err := mspsi.SerializeFilter(x.secret.pub.Filter)
	if err != nil {
		return nil, 0, err
	}
	return b, x.secret.pub.NbDocs, nil
}

func (x *MSPSIIndex) GetDocuments() ([]Document, error) {
	return x.docs.GetDocuments()
}
