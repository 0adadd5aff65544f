// Package payload defines the boundary between the consensus core and the
// application payload layer. The core never parses payload content; it only
// sees fixed-size digests, which the payload layer produces from raw bytes
// and applies durably at commit time.
package payload

import (
	"github.com/anusornc/provchain-org2-sub001/src/chain"
)

// Proxy is implemented by the payload layer.
type Proxy interface {
	// SubmitCh returns the channel on which the payload layer submits digests
	// of pending payloads for inclusion in a block.
	SubmitCh() chan []byte

	// CommitBlock applies the block's payload digest durably. It is called
	// after the block has been appended to the ledger.
	CommitBlock(block *chain.Block) error
}
