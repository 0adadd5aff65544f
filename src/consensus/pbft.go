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

// PBFT is the three-phase commit protocol. The leader pre-prepares a
// candidate; validators that accept it broadcast prepare votes; a prepare
// quorum unlocks commit votes; a commit quorum finalizes the block together
// with a certificate of its votes. Conflicting blocks cannot both gather a
// quorum in one round: with totalWeight >= 3f+1 and a threshold of
// floor(2W/3)+1, two quorums overlap in more weight than the tolerated
// faulty weight f.
//
// A timeout rotates the view. Votes from a superseded view stay in the
// tally for equivocation accounting but are never counted toward the new
// view's quorum.
type PBFT struct {
	pipeline    *Pipeline
	key         ed25519.PrivateKey
	id          string
	baseTimeout time.Duration

	snapshot *validators.Snapshot
	audit    *Audit
	tally    *Tally

	round     Round
	phase     Phase
	proposal  *Message
	validated bool
	prepared  bool
	decided   bool
	timeouts  uint64

	logger *logrus.Entry
}

// NewPBFT ...
func NewPBFT(
	pipeline *Pipeline,
	key ed25519.PrivateKey,
	baseTimeout time.Duration,
	logger *logrus.Entry,
) *PBFT {
	logger = logger.WithField("protocol", "pbft")
	snapshot := pipeline.Registry().Current()
	audit := NewAudit(logger)
	return &PBFT{
		pipeline:    pipeline,
		key:         key,
		id:          keys.PublicKeyHex(keys.FromPrivateKey(key)),
		baseTimeout: baseTimeout,
		snapshot:    snapshot,
		audit:       audit,
		tally:       NewTally(snapshot, audit, logger),
		round:       Round{Height: pipeline.Store().Height() + 1},
		phase:       PhasePrePrepare,
		logger:      logger,
	}
}

// Name ...
func (p *PBFT) Name() string {
	return "pbft"
}

// CurrentRound ...
func (p *PBFT) CurrentRound() Round {
	return p.round
}

// Phase ...
func (p *PBFT) Phase() Phase {
	return p.phase
}

// Snapshot ...
func (p *PBFT) Snapshot() *validators.Snapshot {
	return p.snapshot
}

// Evidence ...
func (p *PBFT) Evidence() []*Equivocation {
	return p.audit.Records()
}

// IsLeader ...
func (p *PBFT) IsLeader() bool {
	leader := p.snapshot.LeaderFor(p.round.Height, p.round.View)
	return leader != nil && leader.PubKeyHex == p.id
}

// vote builds and signs one of our own vote messages.
func (p *PBFT) vote(kind Kind, blockHash []byte) (*Message, error) {
	msg := &Message{
		Round:     p.round,
		Kind:      kind,
		BlockHash: blockHash,
		Sender:    p.id,
	}
	if err := msg.Sign(p.key); err != nil {
		return nil, err
	}
	return msg, nil
}

// advance walks the phase transitions the current tally allows: prepare
// quorum moves us to the commit phase with our own commit vote, commit
// quorum decides the block. Returns any votes to broadcast and the decision
// if one was reached.
func (p *PBFT) advance() ([]*Message, *Action, error) {
	out := []*Message{}

	if p.proposal == nil || !p.validated {
		return out, nil, nil
	}
	hash := p.proposal.BlockHash

	if !p.prepared && p.tally.HasQuorum(p.round, Prepare, hash) {
		p.prepared = true
		p.phase = PhaseCommit

		commitVote, err := p.vote(Commit, hash)
		if err != nil {
			return out, nil, err
		}
		if _, err := p.tally.Add(commitVote.Vote()); err != nil {
			return out, nil, err
		}
		out = append(out, commitVote)

		p.logger.WithFields(logrus.Fields{
			"round": p.round.String(),
			"hash":  fmt.Sprintf("%X", hash),
		}).Debug("Prepare quorum reached")
	}

	if p.prepared && !p.decided && p.tally.HasQuorum(p.round, Commit, hash) {
		p.decided = true

		qc := &QuorumCertificate{
			Round:     p.round,
			BlockHash: hash,
			Votes:     p.tally.VotesFor(p.round, Commit, hash),
		}

		p.logger.WithFields(logrus.Fields{
			"round": p.round.String(),
			"hash":  fmt.Sprintf("%X", hash),
		}).Debug("Commit quorum reached")

		return out, &Action{
			Kind:        ActionCommit,
			Block:       p.proposal.Block,
			Certificate: qc,
		}, nil
	}

	return out, nil, nil
}

// Propose submits our own candidate as the pre-prepare, together with our
// prepare vote.
func (p *PBFT) Propose(block *chain.Block) (*Action, error) {
	if p.snapshot.ActiveCount() == 0 {
		return ignore, cm.NewCoreErr("PBFT", cm.InsufficientValidators, "no active validators")
	}
	if !p.IsLeader() {
		return ignore, cm.NewCoreErr("PBFT", cm.UnauthorizedProposer,
			fmt.Sprintf("%s does not lead %s", p.id, p.round))
	}
	if p.proposal != nil {
		return ignore, nil
	}
	if block == nil || block.Index() != p.round.Height {
		return ignore, cm.NewCoreErr("PBFT", cm.Malformed, "candidate does not extend the head")
	}

	hash, err := block.Hash()
	if err != nil {
		return ignore, err
	}

	prePrepare := &Message{
		Round:     p.round,
		Kind:      Proposal,
		BlockHash: hash,
		Block:     block,
		Sender:    p.id,
	}
	if err := prePrepare.Sign(p.key); err != nil {
		return ignore, err
	}

	p.proposal = prePrepare
	p.validated = true
	p.phase = PhasePrepare

	prepareVote, err := p.vote(Prepare, hash)
	if err != nil {
		return ignore, err
	}
	if _, err := p.tally.Add(prepareVote.Vote()); err != nil {
		return ignore, err
	}

	p.logger.WithFields(logrus.Fields{
		"round": p.round.String(),
		"hash":  block.Hex(),
	}).Debug("Pre-preparing block")

	broadcast := []*Message{prePrepare, prepareVote}
	extra, decision, err := p.advance()
	if err != nil {
		return ignore, err
	}
	broadcast = append(broadcast, extra...)

	if decision != nil {
		decision.Broadcast = broadcast
		return decision, nil
	}
	return &Action{Kind: ActionIgnore, Broadcast: broadcast}, nil
}

// Step feeds one incoming message.
func (p *PBFT) Step(msg *Message) (*Action, error) {
	if msg == nil {
		return ignore, cm.NewCoreErr("PBFT", cm.Malformed, "nil message")
	}
	switch msg.Kind {
	case Proposal:
		return p.stepProposal(msg)
	case Prepare, Commit:
		return p.stepVote(msg)
	}
	return ignore, cm.NewCoreErr("PBFT", cm.Malformed,
		fmt.Sprintf("unknown message kind %d", msg.Kind))
}

func (p *PBFT) stepProposal(msg *Message) (*Action, error) {
	if msg.Round.Height < p.round.Height {
		return ignore, nil
	}
	if msg.Round.Height > p.round.Height {
		return ignore, cm.NewStoreErr("PBFT", cm.SkippedIndex,
			fmt.Sprintf("proposal for height %d at height %d", msg.Round.Height, p.round.Height))
	}
	if msg.Round.View != p.round.View {
		return ignore, nil
	}

	if !msg.Verify() {
		return ignore, cm.NewCoreErr("PBFT", cm.BadSignature,
			fmt.Sprintf("proposal from %s", msg.Sender))
	}

	leader := p.snapshot.LeaderFor(msg.Round.Height, msg.Round.View)
	if leader == nil {
		return ignore, cm.NewCoreErr("PBFT", cm.InsufficientValidators, "no active validators")
	}
	if msg.Sender != leader.PubKeyHex {
		return ignore, cm.NewCoreErr("PBFT", cm.UnauthorizedProposer,
			fmt.Sprintf("%s does not lead %s", msg.Sender, msg.Round))
	}

	if msg.Block == nil {
		return ignore, cm.NewCoreErr("PBFT", cm.Malformed, "proposal without block")
	}
	blockHash, err := msg.Block.Hash()
	if err != nil {
		return ignore, err
	}
	if !bytes.Equal(blockHash, msg.BlockHash) {
		return ignore, cm.NewCoreErr("PBFT", cm.Malformed, "block hash mismatch")
	}
	if msg.Block.Proposer() != msg.Sender {
		return ignore, cm.NewCoreErr("PBFT", cm.Malformed, "proposer differs from sender")
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
		return ignore, cm.NewCoreErr("PBFT", cm.Equivocation,
			fmt.Sprintf("two pre-prepares from %s in %s", msg.Sender, msg.Round))
	}

	p.proposal = msg
	p.validated = false

	return &Action{Kind: ActionRequestValidation, Block: msg.Block}, nil
}

func (p *PBFT) stepVote(msg *Message) (*Action, error) {
	if msg.Round.Height < p.round.Height {
		return ignore, nil
	}
	if msg.Round.Height > p.round.Height {
		return ignore, cm.NewStoreErr("PBFT", cm.SkippedIndex,
			fmt.Sprintf("%s vote for height %d at height %d", msg.Kind, msg.Round.Height, p.round.Height))
	}

	val, ok := p.snapshot.ByPubKey[msg.Sender]
	if !ok || !val.IsActive() {
		return ignore, cm.NewCoreErr("PBFT", cm.UnauthorizedProposer,
			fmt.Sprintf("vote from %s outside the active set", msg.Sender))
	}
	if !msg.Verify() {
		return ignore, cm.NewCoreErr("PBFT", cm.BadSignature,
			fmt.Sprintf("%s vote from %s", msg.Kind, msg.Sender))
	}

	//votes from superseded or not yet reached views still pass through the
	//tally so conflicting pairs are recorded, but only the current round
	//counts toward quorum
	if _, err := p.tally.Add(msg.Vote()); err != nil {
		return ignore, err
	}
	if msg.Round != p.round {
		return ignore, nil
	}

	broadcast, decision, err := p.advance()
	if err != nil {
		return ignore, err
	}
	if decision != nil {
		decision.Broadcast = broadcast
		return decision, nil
	}
	return &Action{Kind: ActionIgnore, Broadcast: broadcast}, nil
}

// OnValidated accepts the pending pre-prepare and broadcasts our prepare
// vote. Votes that arrived ahead of the proposal are already in the tally,
// so quorum may be reached immediately.
func (p *PBFT) OnValidated(block *chain.Block) (*Action, error) {
	if p.proposal == nil || p.validated || block == nil {
		return ignore, nil
	}
	hash, err := block.Hash()
	if err != nil {
		return ignore, err
	}
	if !bytes.Equal(hash, p.proposal.BlockHash) {
		return ignore, nil
	}

	p.validated = true
	p.phase = PhasePrepare

	prepareVote, err := p.vote(Prepare, hash)
	if err != nil {
		return ignore, err
	}
	if _, err := p.tally.Add(prepareVote.Vote()); err != nil {
		return ignore, err
	}

	broadcast := []*Message{prepareVote}
	extra, decision, err := p.advance()
	if err != nil {
		return ignore, err
	}
	broadcast = append(broadcast, extra...)

	if decision != nil {
		decision.Broadcast = broadcast
		return decision, nil
	}
	return &Action{Kind: ActionIgnore, Broadcast: broadcast}, nil
}

// OnInvalid drops the pending pre-prepare.
func (p *PBFT) OnInvalid(blockHash []byte) {
	if p.proposal != nil && bytes.Equal(p.proposal.BlockHash, blockHash) {
		p.logger.WithField("round", p.round.String()).Debug("Dropping invalid pre-prepare")
		p.proposal = nil
		p.validated = false
		p.phase = PhasePrePrepare
	}
}

// OnTimeout abandons the view: the pending proposal and all quorum progress
// are discarded, and the next leader takes over. Old votes stay recorded
// for equivocation accounting.
func (p *PBFT) OnTimeout(round Round) (*Action, error) {
	if round != p.round {
		return ignore, nil
	}

	p.round.View++
	p.proposal = nil
	p.validated = false
	p.prepared = false
	p.decided = false
	p.phase = PhasePrePrepare
	p.timeouts++

	leader := p.snapshot.LeaderFor(p.round.Height, p.round.View)
	leaderHex := ""
	if leader != nil {
		leaderHex = leader.PubKeyHex
	}
	p.logger.WithFields(logrus.Fields{
		"round":  p.round.String(),
		"leader": leaderHex,
	}).Warn("Round timed out, changing view")

	return &Action{Kind: ActionViewChange, NewView: p.round.View}, nil
}

// DeadlineFor backs off exponentially with the view.
func (p *PBFT) DeadlineFor(round Round) time.Duration {
	shift := round.View
	if shift > 6 {
		shift = 6
	}
	return p.baseTimeout * (1 << shift)
}

// Committed destroys the round, prunes its votes, and opens the next height
// against a fresh snapshot.
func (p *PBFT) Committed(block *chain.Block) error {
	if block == nil || block.Index() < p.round.Height {
		return nil
	}

	p.tally.Prune(block.Index())
	p.round = Round{Height: block.Index() + 1}
	p.proposal = nil
	p.validated = false
	p.prepared = false
	p.decided = false
	p.phase = PhasePrePrepare
	p.snapshot = p.pipeline.Registry().Current()
	p.tally.SetSnapshot(p.snapshot)

	p.logger.WithField("round", p.round.String()).Debug("Round opened")

	return nil
}

// Stats ...
func (p *PBFT) Stats() map[string]string {
	leaderHex := ""
	if leader := p.snapshot.LeaderFor(p.round.Height, p.round.View); leader != nil {
		leaderHex = leader.PubKeyHex
	}
	prepareWeight, commitWeight := uint64(0), uint64(0)
	if p.proposal != nil {
		prepareWeight = p.tally.Weight(p.round, Prepare, p.proposal.BlockHash)
		commitWeight = p.tally.Weight(p.round, Commit, p.proposal.BlockHash)
	}
	return map[string]string{
		"protocol":       "pbft",
		"round_height":   fmt.Sprint(p.round.Height),
		"round_view":     fmt.Sprint(p.round.View),
		"phase":          p.phase.String(),
		"leader":         leaderHex,
		"epoch":          fmt.Sprint(p.snapshot.Epoch),
		"quorum":         fmt.Sprint(p.snapshot.QuorumThreshold()),
		"prepare_weight": fmt.Sprint(prepareWeight),
		"commit_weight":  fmt.Sprint(commitWeight),
		"open_rounds":    fmt.Sprint(p.tally.OpenRounds()),
		"timeouts":       fmt.Sprint(p.timeouts),
		"equivocations":  fmt.Sprint(p.audit.Count()),
	}
}
