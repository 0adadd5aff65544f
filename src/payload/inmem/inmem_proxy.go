package inmem

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
	"github.com/anusornc/provchain-org2-sub001/src/crypto"
)

// InmemProxy implements the payload.Proxy interface natively. It hashes raw
// payloads into digests, keeps the raw bytes until commit, and records
// committed digests in order. Reapplying an already committed digest is a
// no-op, so ledger replay is safe.
type InmemProxy struct {
	sync.Mutex
	submitCh  chan []byte
	pending   map[string][]byte
	payloads  map[string][]byte
	committed [][]byte
	logger    *logrus.Logger
}

// NewInmemProxy instantiates an InmemProxy. If no logger, a new one is
// created.
func NewInmemProxy(logger *logrus.Logger) *InmemProxy {
	if logger == nil {
		logger = logrus.New()
		logger.Level = logrus.DebugLevel
	}

	return &InmemProxy{
		submitCh: make(chan []byte),
		pending:  map[string][]byte{},
		payloads: map[string][]byte{},
		logger:   logger,
	}
}

/*******************************************************************************
* SubmitPayload                                                                *
*******************************************************************************/

// SubmitPayload is called by the App to submit raw payload bytes. The proxy
// hashes them into a digest, retains the bytes until commit, and pushes the
// digest into the submit channel.
func (p *InmemProxy) SubmitPayload(data []byte) []byte {
	//have to make a copy, or the data will be garbage collected and weird
	//stuff happens
	d := make([]byte, len(data))
	copy(d, data)

	digest := crypto.SHA256(d)

	p.Lock()
	p.pending[string(digest)] = d
	p.Unlock()

	p.submitCh <- digest

	return digest
}

/*******************************************************************************
* Implement payload.Proxy Interface                                            *
*******************************************************************************/

// SubmitCh returns the channel of pending payload digests.
func (p *InmemProxy) SubmitCh() chan []byte {
	return p.submitCh
}

// CommitBlock applies the block's digest. A replica may commit a digest it
// never saw the raw payload for; the digest is still recorded.
func (p *InmemProxy) CommitBlock(block *chain.Block) error {
	p.Lock()
	defer p.Unlock()

	digest := string(block.PayloadDigest())

	if _, ok := p.payloads[digest]; ok {
		p.logger.WithField("block", block.Index()).Debug("InmemProxy.CommitBlock already applied")
		return nil
	}

	if data, ok := p.pending[digest]; ok {
		p.payloads[digest] = data
		delete(p.pending, digest)
	} else {
		p.payloads[digest] = nil
	}

	p.committed = append(p.committed, block.PayloadDigest())

	p.logger.WithFields(logrus.Fields{
		"block": block.Index(),
		"hash":  block.Hex(),
	}).Debug("InmemProxy.CommitBlock")

	return nil
}

/*******************************************************************************
* Inspection helpers                                                           *
*******************************************************************************/

// CommittedDigests returns the digests applied so far, in commit order.
func (p *InmemProxy) CommittedDigests() [][]byte {
	p.Lock()
	defer p.Unlock()
	res := make([][]byte, len(p.committed))
	copy(res, p.committed)
	return res
}

// GetPayload returns the raw payload bytes for a committed digest.
func (p *InmemProxy) GetPayload(digest []byte) ([]byte, bool) {
	p.Lock()
	defer p.Unlock()
	data, ok := p.payloads[string(digest)]
	return data, ok && data != nil
}
