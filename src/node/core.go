package node

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
	cm "github.com/anusornc/provchain-org2-sub001/src/common"
	"github.com/anusornc/provchain-org2-sub001/src/consensus"
)

// Core is the serialized decision point of a validator. It wraps the
// consensus protocol and the block pipeline behind a single entry surface;
// the node guards every call with its coreLock. The core also owns the queue
// of payload digests waiting to be proposed.
type Core struct {
	validator *Validator
	protocol  consensus.Protocol
	pipeline  *consensus.Pipeline

	digests [][]byte

	logger *logrus.Entry
}

// NewCore ...
func NewCore(
	validator *Validator,
	protocol consensus.Protocol,
	pipeline *consensus.Pipeline,
	logger *logrus.Entry,
) *Core {
	return &Core{
		validator: validator,
		protocol:  protocol,
		pipeline:  pipeline,
		digests:   [][]byte{},
		logger:    logger,
	}
}

// Protocol exposes the consensus protocol for inspection.
func (c *Core) Protocol() consensus.Protocol {
	return c.protocol
}

// Store exposes the underlying ledger.
func (c *Core) Store() chain.Store {
	return c.pipeline.Store()
}

// AddDigest queues a payload digest for inclusion in a future proposal.
func (c *Core) AddDigest(digest []byte) {
	c.digests = append(c.digests, digest)
}

// PendingDigests returns the number of digests waiting to be proposed.
func (c *Core) PendingDigests() int {
	return len(c.digests)
}

// TryPropose builds and submits a candidate block when this validator leads
// the current round, the round is still waiting for a proposal, and there is
// a pending digest. The digest is consumed only if the protocol accepts the
// proposal.
func (c *Core) TryPropose() (*consensus.Action, error) {
	if !c.protocol.IsLeader() ||
		c.protocol.Phase() != consensus.PhasePrePrepare ||
		len(c.digests) == 0 {
		return nil, nil
	}

	block, err := c.pipeline.BuildBlock(
		c.digests[0],
		time.Now().Unix(),
		c.validator.Key,
	)
	if err != nil {
		return nil, err
	}

	action, err := c.protocol.Propose(block)
	if err != nil {
		return nil, err
	}

	c.digests = c.digests[1:]

	return action, nil
}

// Step feeds an incoming consensus message through the protocol.
func (c *Core) Step(msg *consensus.Message) (*consensus.Action, error) {
	return c.protocol.Step(msg)
}

// OnTimeout signals an expired round deadline.
func (c *Core) OnTimeout(round consensus.Round) (*consensus.Action, error) {
	return c.protocol.OnTimeout(round)
}

// Validate runs the pipeline over a candidate handed out by the protocol and
// reports the outcome back. It returns the follow-up action, or the
// validation error when the candidate was rejected.
func (c *Core) Validate(block *chain.Block, qc *consensus.QuorumCertificate) (*consensus.Action, error) {
	err := c.pipeline.Validate(
		block,
		c.protocol.CurrentRound(),
		c.protocol.Snapshot(),
		qc,
	)
	if err != nil {
		if hash, herr := block.Hash(); herr == nil {
			c.protocol.OnInvalid(hash)
		}
		return nil, err
	}

	return c.protocol.OnValidated(block)
}

// Commit makes the decided block durable and closes the round. A block at or
// below our head means another path already committed it; the protocol is
// resynchronized on the actual head instead.
func (c *Core) Commit(block *chain.Block) error {
	if block.Index() <= c.pipeline.Store().Height() {
		return c.protocol.Committed(c.pipeline.Store().Head())
	}

	if err := c.pipeline.Commit(block); err != nil {
		return err
	}

	return c.protocol.Committed(block)
}

// CommitSync validates and commits a block fetched during catch-up. The
// deciding view is unknown, so eligibility relaxes to active-set membership.
func (c *Core) CommitSync(block *chain.Block) error {
	if err := c.pipeline.ValidateSync(block, c.protocol.Snapshot()); err != nil {
		if cm.IsCore(err, cm.HeightConflict) {
			// already have it
			return nil
		}
		return err
	}

	if err := c.pipeline.Commit(block); err != nil {
		return err
	}

	return c.protocol.Committed(block)
}

// Deadline returns the duration to wait before timing out the current round.
func (c *Core) Deadline() time.Duration {
	return c.protocol.DeadlineFor(c.protocol.CurrentRound())
}
