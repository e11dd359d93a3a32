// Package querier implements query issuance (the C5 half of the flow
// spec.md §4.3 calls "query construction & token binding"): pop a
// token, encode the query payload, instantiate one querier-role
// Conversation per known peer sharing a single ephemeral query
// KeyPair, sign and broadcast one QUERY frame. Grounded on
// original_source/dsnetclient/api.py's DsnetApi.send_query, which
// walks the identical pop-token/per-peer-conversation/single-broadcast
// shape this package ports to Go.
package querier

import (
	"context"

	"github.com/dsnet-network/client/bbclient"
	"github.com/dsnet-network/client/conversation"
	"github.com/dsnet-network/client/query"
	"github.com/dsnet-network/client/repository"
	"github.com/dsnet-network/client/token"
	"github.com/dsnet-network/client/wire"
)

// Issue runs spec.md §4.3 steps 1-6 end to end: pop one token, build
// an ephemeral query KeyPair shared by every resulting conversation,
// encode the keyword list for qt, persist one querier conversation per
// known peer (including a peer equal to the local node's own key, per
// spec.md §4.2's self-dialog tie-break), sign the query over the
// ephemeral KeyPair's public half and the payload, and broadcast once.
//
// On ErrNoToken (ref token.ErrNoToken), no conversation is persisted
// and no broadcast is attempted — the token is popped (after only the
// payload encoding and query key generation) before any conversation
// is persisted.
func Issue(ctx context.Context, mgr *token.Manager, bb *bbclient.Client, repo *repository.Store, qt conversation.QueryType, keywords [][]byte) (*wire.Query, []*conversation.Conversation, error) {
	payload, secret, err := query.Encode(qt, keywords)
	if err != nil {
		return nil, nil, err
	}

	qk, err := token.NewQueryKeyPair()
	if err != nil {
		return nil, nil, err
	}

	q, err := mgr.BuildQuery(qk.Public, payload)
	if err != nil {
		return nil, nil, err
	}

	peers, err := repo.Peers()
	if err != nil {
		return nil, nil, err
	}

	convs := make([]*conversation.Conversation, 0, len(peers))
	for _, peer := range peers {
		conv, err := conversation.NewQuerierConversation(qk, peer.PublicKey, payload, qt, secret)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.SaveConversation(conv); err != nil {
			return nil, nil, err
		}
		convs = append(convs, conv)
	}

	if err := bb.Broadcast(ctx, q); err != nil {
		return nil, nil, err
	}
	return q, convs, nil
}
