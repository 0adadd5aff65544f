package net

import (
	"github.com/anusornc/provchain-org2-sub001/src/chain"
	"github.com/anusornc/provchain-org2-sub001/src/consensus"
)

// ConsensusRequest carries one signed consensus message, a proposal or a
// vote. The message signature covers the sender identity, so the transport
// adds nothing of its own to authenticate; FromID is informational.
type ConsensusRequest struct {
	FromID  uint32
	Message *consensus.Message
}

// ConsensusResponse acknowledges receipt of a consensus message. Receipt
// says nothing about acceptance; a rejected message is simply dropped by the
// recipient.
type ConsensusResponse struct {
	FromID uint32
}

// FetchBlocksRequest asks a peer for committed blocks starting at the given
// height. Limit caps the number of blocks in the response.
type FetchBlocksRequest struct {
	FromID uint32
	Start  uint64
	Limit  int
}

// FetchBlocksResponse returns consecutive committed blocks and the
// responder's current height, so the requester knows whether more fetching
// is needed.
type FetchBlocksResponse struct {
	FromID uint32
	Height uint64
	Blocks []*chain.Block
}
