// Package query builds and decodes the bytes carried in a QUERY
// message's payload field (dsnet spec §4.3 step 3): a MessagePack
// encoding of the keyword list for CLEARTEXT queries, or of the
// MSPSI-blinded query points for DPSI queries. Grounded on the
// retrieved original_source/dsnetclient/query_encoder.py's
// MSPSIEncoder/LuceneEncoder split, adapted to msgpack/v5 and the
// ristretto255-based mspsi package.
package query

import (
	"regexp"

	"github.com/gtank/ristretto255"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dsnet-network/client/conversation"
	"github.com/dsnet-network/client/mspsi"
)

// Encode builds the wire payload for qt and, for DPSI, the per-query
// secret scalar that must be retained in the querier's conversation
// record to decode the eventual reply.
func Encode(qt conversation.QueryType, keywords [][]byte) (payload []byte, secret *ristretto255.Scalar, err error) {
	switch qt {
	case conversation.QueryCleartext:
		payload, err = msgpack.Marshal(keywords)
		return payload, nil, err
	case conversation.QueryDPSI:
		q, err := mspsi.NewQuery(keywords)
		if err != nil {
			return nil, nil, err
		}
		payload, err = msgpack.Marshal(mspsi.SerializePoints(q.Points))
		if err != nil {
			return nil, nil, err
		}
		return payload, q.Secret, nil
	default:
		payload, err = msgpack.Marshal(keywords)
		return payload, nil, err
	}
}

// DecodeCleartextReply unmarshals a CLEARTEXT responder's reply: a
// MessagePack list of matched keywords.
func DecodeCleartextReply(reply []byte) ([][]byte, error) {
	var out [][]byte
	if err := msgpack.Unmarshal(reply, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// quotedWord matches either a bare run of word characters or a
// double-quoted phrase, mirroring tokenize_with_double_quotes's regex.
var quotedWord = regexp.MustCompile(`(\w+|"(.*?)")`)

// Tokenize splits free text into CLEARTEXT query keywords, treating
// double-quoted spans as single tokens (dsnetclient/tokenizer.py).
func Tokenize(text string) []string {
	matches := quotedWord.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if m[2] != "" {
			out = append(out, m[2])
		} else {
			out = append(out, m[1])
		}
	}
	return out
}
