package consensus

import (
	"bytes"
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
	cm "github.com/anusornc/provchain-org2-sub001/src/common"
	"github.com/anusornc/provchain-org2-sub001/src/crypto"
	"github.com/anusornc/provchain-org2-sub001/src/crypto/keys"
	"github.com/anusornc/provchain-org2-sub001/src/payload"
	"github.com/anusornc/provchain-org2-sub001/src/validators"
)

// Pipeline runs candidate blocks through the ordered validation stages and,
// once decided, commits them: ledger append first, payload application
// second, epoch advancement last. Validation short-circuits on the first
// failing stage.
type Pipeline struct {
	store    chain.Store
	proxy    payload.Proxy
	registry *validators.Registry
	logger   *logrus.Entry
}

// NewPipeline ...
func NewPipeline(
	store chain.Store,
	proxy payload.Proxy,
	registry *validators.Registry,
	logger *logrus.Entry,
) *Pipeline {
	return &Pipeline{
		store:    store,
		proxy:    proxy,
		registry: registry,
		logger:   logger,
	}
}

// Store ...
func (p *Pipeline) Store() chain.Store {
	return p.store
}

// Registry ...
func (p *Pipeline) Registry() *validators.Registry {
	return p.registry
}

// BuildBlock assembles and signs our own candidate extending the current
// head.
func (p *Pipeline) BuildBlock(digest []byte, timestamp int64, key ed25519.PrivateKey) (*chain.Block, error) {
	block, err := chain.NewBlock(p.store.Head(), digest, timestamp,
		keys.PublicKeyHex(keys.FromPrivateKey(key)))
	if err != nil {
		return nil, err
	}
	if err := block.Sign(key); err != nil {
		return nil, err
	}
	return block, nil
}

// Validate runs stages one through four over a candidate proposed in the
// given round. A nil certificate means eligibility is judged by leadership;
// a certificate replaces the leader check and is verified instead.
func (p *Pipeline) Validate(
	block *chain.Block,
	round Round,
	snapshot *validators.Snapshot,
	qc *QuorumCertificate,
) error {
	//structural
	if block == nil {
		return cm.NewCoreErr("Pipeline", cm.Malformed, "nil block")
	}
	head := p.store.Head()
	if block.Index() <= head.Index() {
		return cm.NewCoreErr("Pipeline", cm.HeightConflict,
			fmt.Sprintf("height %d, head %d", block.Index(), head.Index()))
	}
	if block.Index() > head.Index()+1 {
		return cm.NewStoreErr("Pipeline", cm.SkippedIndex,
			fmt.Sprintf("height %d, head %d", block.Index(), head.Index()))
	}
	if round.Height != block.Index() {
		return cm.NewCoreErr("Pipeline", cm.Malformed,
			fmt.Sprintf("round height %d, block height %d", round.Height, block.Index()))
	}
	if len(block.PayloadDigest()) != crypto.HashSize {
		return cm.NewCoreErr("Pipeline", cm.Malformed, "bad payload digest size")
	}
	headHash, err := head.Hash()
	if err != nil {
		return err
	}
	if !bytes.Equal(block.PreviousHash(), headHash) {
		return cm.NewCoreErr("Pipeline", cm.Malformed, "previous hash mismatch")
	}

	//signature
	ok, err := block.Verify()
	if err != nil {
		return err
	}
	if !ok {
		return cm.NewCoreErr("Pipeline", cm.BadSignature,
			fmt.Sprintf("proposer %s", block.Proposer()))
	}

	//eligibility
	if qc != nil {
		blockHash, err := block.Hash()
		if err != nil {
			return err
		}
		if !bytes.Equal(qc.BlockHash, blockHash) {
			return cm.NewCoreErr("Pipeline", cm.UnauthorizedProposer,
				"certificate covers a different block")
		}
		if qc.Round.Height != block.Index() {
			return cm.NewCoreErr("Pipeline", cm.UnauthorizedProposer,
				fmt.Sprintf("certificate round %s", qc.Round))
		}
		if err := qc.Validate(snapshot); err != nil {
			return err
		}
	} else {
		leader := snapshot.LeaderFor(round.Height, round.View)
		if leader == nil {
			return cm.NewCoreErr("Pipeline", cm.InsufficientValidators, "no active validators")
		}
		if leader.PubKeyHex != block.Proposer() {
			return cm.NewCoreErr("Pipeline", cm.UnauthorizedProposer,
				fmt.Sprintf("%s is not the leader of %s", block.Proposer(), round))
		}
	}

	//state application
	want := crypto.SimpleHashFromTwoHashes(p.store.StateRoot(), block.PayloadDigest())
	if !bytes.Equal(block.StateRoot(), want) {
		return cm.NewCoreErr("Pipeline", cm.StateApplicationFailed,
			fmt.Sprintf("state root mismatch at height %d", block.Index()))
	}

	return nil
}

// ValidateSync runs the pipeline over a block fetched during catch-up. The
// deciding view is unknown to us, so eligibility relaxes to requiring a
// proposer from the active set.
func (p *Pipeline) ValidateSync(block *chain.Block, snapshot *validators.Snapshot) error {
	if block == nil {
		return cm.NewCoreErr("Pipeline", cm.Malformed, "nil block")
	}
	head := p.store.Head()
	if block.Index() <= head.Index() {
		return cm.NewCoreErr("Pipeline", cm.HeightConflict,
			fmt.Sprintf("height %d, head %d", block.Index(), head.Index()))
	}
	if block.Index() > head.Index()+1 {
		return cm.NewStoreErr("Pipeline", cm.SkippedIndex,
			fmt.Sprintf("height %d, head %d", block.Index(), head.Index()))
	}
	if len(block.PayloadDigest()) != crypto.HashSize {
		return cm.NewCoreErr("Pipeline", cm.Malformed, "bad payload digest size")
	}
	headHash, err := head.Hash()
	if err != nil {
		return err
	}
	if !bytes.Equal(block.PreviousHash(), headHash) {
		return cm.NewCoreErr("Pipeline", cm.Malformed, "previous hash mismatch")
	}

	ok, err := block.Verify()
	if err != nil {
		return err
	}
	if !ok {
		return cm.NewCoreErr("Pipeline", cm.BadSignature,
			fmt.Sprintf("proposer %s", block.Proposer()))
	}

	if !snapshot.IsAuthorized(block.Proposer()) {
		return cm.NewCoreErr("Pipeline", cm.UnauthorizedProposer,
			fmt.Sprintf("%s is not in the active set", block.Proposer()))
	}

	want := crypto.SimpleHashFromTwoHashes(p.store.StateRoot(), block.PayloadDigest())
	if !bytes.Equal(block.StateRoot(), want) {
		return cm.NewCoreErr("Pipeline", cm.StateApplicationFailed,
			fmt.Sprintf("state root mismatch at height %d", block.Index()))
	}

	return nil
}

// Commit is the final stage. The block goes to the ledger first; only after
// it is durable does the payload layer apply it and the registry advance
// pending epoch changes.
func (p *Pipeline) Commit(block *chain.Block) error {
	if err := p.store.Append(block); err != nil {
		return err
	}

	if err := p.proxy.CommitBlock(block); err != nil {
		p.logger.WithField("error", err).Error("Payload application failed")
		return cm.NewCoreErr("Pipeline", cm.StateApplicationFailed, err.Error())
	}

	if snapshot, applied := p.registry.AdvanceTo(block.Index()); applied {
		p.logger.WithFields(logrus.Fields{
			"epoch":      snapshot.Epoch,
			"validators": snapshot.ActiveCount(),
		}).Info("Epoch advanced")
	}

	p.logger.WithFields(logrus.Fields{
		"height":     block.Index(),
		"hash":       block.Hex(),
		"proposer":   block.Proposer(),
		"state_root": fmt.Sprintf("%X", block.StateRoot()),
	}).Info("Block committed")

	return nil
}
