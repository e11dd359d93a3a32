// Package retriever implements the message retriever (C7): on a
// notification's short address prefix, match against locally listened
// pigeonholes and fetch the full ciphertext, with an optional
// probabilistic-cover variant that also issues server-visible decoy
// fetches on a prefix miss (dsnet spec §4.6). Grounded on the
// teacher's proxy/fetch.go Fetcher, adapted from its mixnet
// store-and-forward pull loop to an HTTP pigeonhole fetch.
package retriever

import (
	"context"
	"errors"

	"github.com/katzenpost/core/log"
	"gopkg.in/op/go-logging.v1"

	"github.com/dsnet-network/client/bbclient"
	"github.com/dsnet-network/client/conversation"
	"github.com/dsnet-network/client/repository"
)

// ErrNoMatch is the "None" result of the retrieve(notification)
// contract: no locally tracked conversation claims this address.
var ErrNoMatch = errors.New("retriever: no matching pigeonhole")

// RetrievedMessage pairs a decrypted plaintext with the conversation
// whose ratchet it advanced.
type RetrievedMessage struct {
	Conversation *conversation.Conversation
	Plaintext    []byte
}

// MessageRetriever is the shared contract of both retriever variants.
type MessageRetriever interface {
	Retrieve(ctx context.Context, adrShortHex string) (*RetrievedMessage, error)
}

// AddressMatchRetriever looks up listening pigeonholes by prefix, then
// issues one GET per candidate's exact listening address.
type AddressMatchRetriever struct {
	repo *repository.Store
	bb   *bbclient.Client
	log  *logging.Logger
}

// NewAddressMatchRetriever constructs the non-cover retriever variant.
func NewAddressMatchRetriever(logBackend *log.Backend, repo *repository.Store, bb *bbclient.Client) *AddressMatchRetriever {
	return &AddressMatchRetriever{repo: repo, bb: bb, log: logBackend.GetLogger("AddressMatchRetriever")}
}

func (r *AddressMatchRetriever) Retrieve(ctx context.Context, adrShortHex string) (*RetrievedMessage, error) {
	convs, err := r.repo.GetPigeonholesByShortAddress(adrShortHex)
	if err != nil {
		return nil, err
	}
	for _, conv := range convs {
		addr, err := conv.CurrentListenAddress()
		if err != nil {
			continue
		}
		phm, err := r.bb.GetPigeonHole(ctx, addr)
		if err != nil {
			r.log.Debugf("fetch failed for %x: %v", addr, err)
			continue
		}
		pt, err := conv.Ingest(addr, phm.FromKey, phm.Payload)
		if err != nil {
			r.log.Debugf("dropping undecryptable pigeonhole %x: %v", addr, err)
			continue
		}
		if err := r.repo.SaveConversation(conv); err != nil {
			return nil, err
		}
		return &RetrievedMessage{Conversation: conv, Plaintext: pt}, nil
	}
	return nil, ErrNoMatch
}

// ProbabilisticCoverRetriever additionally emits server-visible cover
// fetches on a prefix miss, with caller-supplied probability, so an
// observer cannot distinguish "nothing for me" from "fetched nothing."
type ProbabilisticCoverRetriever struct {
	repo             *repository.Store
	bb               *bbclient.Client
	log              *logging.Logger
	retrieveDecision func() bool
}

// NewProbabilisticCoverRetriever constructs the cover-traffic variant.
func NewProbabilisticCoverRetriever(logBackend *log.Backend, repo *repository.Store, bb *bbclient.Client, retrieveDecision func() bool) *ProbabilisticCoverRetriever {
	return &ProbabilisticCoverRetriever{
		repo:             repo,
		bb:               bb,
		log:              logBackend.GetLogger("ProbabilisticCoverRetriever"),
		retrieveDecision: retrieveDecision,
	}
}

func (r *ProbabilisticCoverRetriever) Retrieve(ctx context.Context, adrShortHex string) (*RetrievedMessage, error) {
	convs, err := r.repo.GetPigeonholesByShortAddress(adrShortHex)
	if err != nil {
		return nil, err
	}
	if len(convs) == 0 {
		if r.retrieveDecision() {
			if _, err := r.bb.GetPigeonHolesByPrefix(ctx, adrShortHex); err != nil {
				r.log.Debugf("cover prefix fetch failed: %v", err)
			}
		}
		return nil, ErrNoMatch
	}

	candidates, err := r.bb.GetPigeonHolesByPrefix(ctx, adrShortHex)
	if err != nil {
		return nil, err
	}
	for _, conv := range convs {
		addr, err := conv.CurrentListenAddress()
		if err != nil {
			continue
		}
		for _, phm := range candidates {
			if phm.Address != addr {
				continue
			}
			pt, err := conv.Ingest(addr, phm.FromKey, phm.Payload)
			if err != nil {
				r.log.Debugf("dropping undecryptable pigeonhole %x: %v", addr, err)
				continue
			}
			if err := r.repo.SaveConversation(conv); err != nil {
				return nil, err
			}
			return &RetrievedMessage{Conversation: conv, Plaintext: pt}, nil
		}
	}
	return nil, ErrNoMatch
}
