package consensus

import (
	"bytes"
	"fmt"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
	cm "github.com/anusornc/provchain-org2-sub001/src/common"
	"github.com/anusornc/provchain-org2-sub001/src/crypto/keys"
	"github.com/anusornc/provchain-org2-sub001/src/validators"
)

// PoA is the round-robin proof-of-authority protocol. The leader of round
// (h,v) is active validator (h+v) mod n; its proposal commits immediately
// after passing the pipeline, with no voting phase. The view rotates past a
// silent leader on timeout. There is no Byzantine tolerance: a malicious
// authority can halt or fork the chain, which is the accepted trade of this
// variant.
type PoA struct {
	pipeline    *Pipeline
	key         ed25519.PrivateKey
	id          string
	baseTimeout time.Duration

	snapshot *validators.Snapshot
	audit    *Audit

	round    Round
	phase    Phase
	proposal *Message
	timeouts uint64

	logger *logrus.Entry
}

// NewPoA ...
func NewPoA(
	pipeline *Pipeline,
	key ed25519.PrivateKey,
	baseTimeout time.Duration,
	logger *logrus.Entry,
) *PoA {
	logger = logger.WithField("protocol", "poa")
	return &PoA{
		pipeline:    pipeline,
		key:         key,
		id:          keys.PublicKeyHex(keys.FromPrivateKey(key)),
		baseTimeout: baseTimeout,
		snapshot:    pipeline.Registry().Current(),
		audit:       NewAudit(logger),
		round:       Round{Height: pipeline.Store().Height() + 1},
		phase:       PhasePrePrepare,
		logger:      logger,
	}
}

// Name ...
func (p *PoA) Name() string {
	return "poa"
}

// CurrentRound ...
func (p *PoA) CurrentRound() Round {
	return p.round
}

// Phase ...
func (p *PoA) Phase() Phase {
	return p.phase
}

// Snapshot ...
func (p *PoA) Snapshot() *validators.Snapshot {
	return p.snapshot
}

// Evidence ...
func (p *PoA) Evidence() []*Equivocation {
	return p.audit.Records()
}

func (p *PoA) leaderFor(view uint64) *validators.Validator {
	return p.snapshot.LeaderFor(p.round.Height, view)
}

// IsLeader ...
func (p *PoA) IsLeader() bool {
	leader := p.leaderFor(p.round.View)
	return leader != nil && leader.PubKeyHex == p.id
}

// Propose submits our own candidate. As the leader's proposal needs no
// votes, the returned action both broadcasts it and commits it.
func (p *PoA) Propose(block *chain.Block) (*Action, error) {
	if p.snapshot.ActiveCount() == 0 {
		return ignore, cm.NewCoreErr("PoA", cm.InsufficientValidators, "no active validators")
	}
	if !p.IsLeader() {
		return ignore, cm.NewCoreErr("PoA", cm.UnauthorizedProposer,
			fmt.Sprintf("%s does not lead %s", p.id, p.round))
	}
	if p.proposal != nil {
		return ignore, nil
	}
	if block == nil || block.Index() != p.round.Height {
		return ignore, cm.NewCoreErr("PoA", cm.Malformed, "candidate does not extend the head")
	}

	hash, err := block.Hash()
	if err != nil {
		return ignore, err
	}

	msg := &Message{
		Round:     p.round,
		Kind:      Proposal,
		BlockHash: hash,
		Block:     block,
		Sender:    p.id,
	}
	if err := msg.Sign(p.key); err != nil {
		return ignore, err
	}

	p.proposal = msg
	p.phase = PhaseCommit

	p.logger.WithFields(logrus.Fields{
		"round": p.round.String(),
		"hash":  block.Hex(),
	}).Debug("Proposing block")

	return &Action{
		Kind:      ActionCommit,
		Block:     block,
		Broadcast: []*Message{msg},
	}, nil
}

// Step feeds one incoming message. PoA has no voting phase, so only
// proposals are meaningful.
func (p *PoA) Step(msg *Message) (*Action, error) {
	if msg == nil {
		return ignore, cm.NewCoreErr("PoA", cm.Malformed, "nil message")
	}
	if msg.Kind != Proposal {
		p.logger.WithField("kind", msg.Kind.String()).Debug("Ignoring vote message")
		return ignore, nil
	}

	if msg.Round.Height < p.round.Height {
		return ignore, nil
	}
	if msg.Round.Height > p.round.Height {
		return ignore, cm.NewStoreErr("PoA", cm.SkippedIndex,
			fmt.Sprintf("proposal for height %d at height %d", msg.Round.Height, p.round.Height))
	}
	if msg.Round.View < p.round.View {
		return ignore, nil
	}

	if !msg.Verify() {
		return ignore, cm.NewCoreErr("PoA", cm.BadSignature,
			fmt.Sprintf("proposal from %s", msg.Sender))
	}

	leader := p.snapshot.LeaderFor(msg.Round.Height, msg.Round.View)
	if leader == nil {
		return ignore, cm.NewCoreErr("PoA", cm.InsufficientValidators, "no active validators")
	}
	if msg.Sender != leader.PubKeyHex {
		return ignore, cm.NewCoreErr("PoA", cm.UnauthorizedProposer,
			fmt.Sprintf("%s does not lead %s", msg.Sender, msg.Round))
	}

	if msg.Block == nil {
		return ignore, cm.NewCoreErr("PoA", cm.Malformed, "proposal without block")
	}
	blockHash, err := msg.Block.Hash()
	if err != nil {
		return ignore, err
	}
	if !bytes.Equal(blockHash, msg.BlockHash) {
		return ignore, cm.NewCoreErr("PoA", cm.Malformed, "block hash mismatch")
	}
	if msg.Block.Proposer() != msg.Sender {
		return ignore, cm.NewCoreErr("PoA", cm.Malformed, "proposer differs from sender")
	}

	//a proposal from a later view means our timer lags; follow the rotation
	if msg.Round.View > p.round.View {
		p.logger.WithFields(logrus.Fields{
			"view":     p.round.View,
			"new_view": msg.Round.View,
		}).Debug("Adopting proposal view")
		p.round.View = msg.Round.View
		p.proposal = nil
	}

	if p.proposal != nil {
		if bytes.Equal(p.proposal.BlockHash, msg.BlockHash) {
			return ignore, nil
		}
		p.audit.Record(&Equivocation{
			Voter:  msg.Sender,
			Round:  msg.Round,
			Kind:   Proposal,
			First:  p.proposal.Vote(),
			Second: msg.Vote(),
		})
		return ignore, cm.NewCoreErr("PoA", cm.Equivocation,
			fmt.Sprintf("two proposals from %s in %s", msg.Sender, msg.Round))
	}

	p.proposal = msg

	return &Action{Kind: ActionRequestValidation, Block: msg.Block}, nil
}

// OnValidated commits the accepted proposal.
func (p *PoA) OnValidated(block *chain.Block) (*Action, error) {
	if p.proposal == nil || block == nil || block.Index() != p.round.Height {
		return ignore, nil
	}
	hash, err := block.Hash()
	if err != nil {
		return ignore, err
	}
	if !bytes.Equal(hash, p.proposal.BlockHash) {
		return ignore, nil
	}

	p.phase = PhaseCommit

	return &Action{Kind: ActionCommit, Block: block}, nil
}

// OnInvalid drops the pending proposal so the round can accept another one
// or time out.
func (p *PoA) OnInvalid(blockHash []byte) {
	if p.proposal != nil && bytes.Equal(p.proposal.BlockHash, blockHash) {
		p.logger.WithField("round", p.round.String()).Debug("Dropping invalid proposal")
		p.proposal = nil
	}
}

// OnTimeout rotates the view past the silent leader.
func (p *PoA) OnTimeout(round Round) (*Action, error) {
	if round != p.round {
		return ignore, nil
	}

	p.round.View++
	p.proposal = nil
	p.phase = PhasePrePrepare
	p.timeouts++

	leader := p.leaderFor(p.round.View)
	leaderHex := ""
	if leader != nil {
		leaderHex = leader.PubKeyHex
	}
	p.logger.WithFields(logrus.Fields{
		"round":  p.round.String(),
		"leader": leaderHex,
	}).Warn("Round timed out, rotating leader")

	return &Action{Kind: ActionViewChange, NewView: p.round.View}, nil
}

// DeadlineFor backs off exponentially with the view, so repeated rotations
// leave slower leaders more room.
func (p *PoA) DeadlineFor(round Round) time.Duration {
	shift := round.View
	if shift > 6 {
		shift = 6
	}
	return p.baseTimeout * (1 << shift)
}

// Committed destroys the round and opens the next height against a fresh
// snapshot.
func (p *PoA) Committed(block *chain.Block) error {
	if block == nil || block.Index() < p.round.Height {
		return nil
	}

	p.round = Round{Height: block.Index() + 1}
	p.proposal = nil
	p.phase = PhasePrePrepare
	p.snapshot = p.pipeline.Registry().Current()

	p.logger.WithField("round", p.round.String()).Debug("Round opened")

	return nil
}

// Stats ...
func (p *PoA) Stats() map[string]string {
	leaderHex := ""
	if leader := p.leaderFor(p.round.View); leader != nil {
		leaderHex = leader.PubKeyHex
	}
	return map[string]string{
		"protocol":      "poa",
		"round_height":  fmt.Sprint(p.round.Height),
		"round_view":    fmt.Sprint(p.round.View),
		"phase":         p.phase.String(),
		"leader":        leaderHex,
		"epoch":         fmt.Sprint(p.snapshot.Epoch),
		"timeouts":      fmt.Sprint(p.timeouts),
		"equivocations": fmt.Sprint(p.audit.Count()),
	}
}
