// Package consensus implements the pluggable block agreement protocols: a
// round-robin proof-of-authority variant and a three-phase PBFT variant.
// Protocols are single-threaded state machines driven from the outside: the
// node serializes calls into them, ticks their deadlines, and executes the
// actions they return. No timers or goroutines live in this package.
package consensus

import (
	"fmt"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
	"github.com/anusornc/provchain-org2-sub001/src/validators"
)

// Phase is the protocol's position within the current round.
type Phase uint8

const (
	// PhasePrePrepare means the round is waiting for a proposal.
	PhasePrePrepare Phase = iota
	// PhasePrepare means a proposal was accepted and prepare votes are being
	// collected.
	PhasePrepare
	// PhaseCommit means prepare quorum was reached and commit votes are
	// being collected.
	PhaseCommit
)

func (p Phase) String() string {
	switch p {
	case PhasePrePrepare:
		return "pre-prepare"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// ActionKind discriminates the effects a protocol step can request.
type ActionKind uint8

const (
	// ActionIgnore means nothing to do beyond any attached broadcasts.
	ActionIgnore ActionKind = iota
	// ActionRequestValidation asks the caller to run the block pipeline over
	// the attached candidate block and report back through OnValidated or
	// OnInvalid.
	ActionRequestValidation
	// ActionCommit means the attached block is decided and must be committed
	// through the pipeline.
	ActionCommit
	// ActionViewChange means the protocol moved to a new view; the caller
	// should re-arm the round deadline.
	ActionViewChange
)

func (k ActionKind) String() string {
	switch k {
	case ActionIgnore:
		return "ignore"
	case ActionRequestValidation:
		return "request-validation"
	case ActionCommit:
		return "commit"
	case ActionViewChange:
		return "view-change"
	}
	return fmt.Sprintf("action(%d)", uint8(k))
}

// Action is what a protocol step asks its caller to do. Broadcast is
// populated independently of Kind; messages listed there go to all
// validators regardless of the decision taken.
type Action struct {
	Kind        ActionKind
	Block       *chain.Block
	Certificate *QuorumCertificate
	NewView     uint64
	Broadcast   []*Message
}

var ignore = &Action{Kind: ActionIgnore}

// Protocol is the common surface of the consensus variants. Calls must be
// serialized by the caller; the node owns that lock. Every decision is taken
// against the protocol's current validator snapshot, refreshed on commit.
type Protocol interface {
	// Name returns the protocol identifier used in configuration and logs.
	Name() string

	// CurrentRound returns the round being decided.
	CurrentRound() Round

	// Phase returns the position within the current round.
	Phase() Phase

	// Snapshot returns the validator snapshot decisions are taken against.
	Snapshot() *validators.Snapshot

	// IsLeader reports whether this validator leads the current round.
	IsLeader() bool

	// Propose submits our own candidate block for the current round. The
	// caller builds and signs the block; the protocol checks leadership and
	// returns the messages to broadcast, plus the commit decision when the
	// variant commits without voting.
	Propose(block *chain.Block) (*Action, error)

	// Step feeds one incoming message through the protocol. Errors classify
	// why a message was rejected; they are local to the message and never
	// fatal to the round.
	Step(msg *Message) (*Action, error)

	// OnValidated reports that a candidate handed out via
	// ActionRequestValidation passed the pipeline.
	OnValidated(block *chain.Block) (*Action, error)

	// OnInvalid reports that a candidate failed the pipeline. The round
	// keeps waiting for a valid proposal or a timeout.
	OnInvalid(blockHash []byte)

	// OnTimeout signals that the deadline for the given round expired
	// without a decision. A stale round is ignored.
	OnTimeout(round Round) (*Action, error)

	// DeadlineFor returns the duration the caller should wait before firing
	// OnTimeout for the given round.
	DeadlineFor(round Round) time.Duration

	// Committed reports that the decided block is durable in the ledger.
	// The protocol destroys the round and opens the next height.
	Committed(block *chain.Block) error

	// Evidence returns the equivocation records collected so far.
	Evidence() []*Equivocation

	// Stats returns protocol counters for the status surface.
	Stats() map[string]string
}

// New builds a protocol by name, "poa" or "pbft".
func New(
	name string,
	pipeline *Pipeline,
	key ed25519.PrivateKey,
	baseTimeout time.Duration,
	logger *logrus.Entry,
) (Protocol, error) {
	switch name {
	case "poa":
		return NewPoA(pipeline, key, baseTimeout, logger), nil
	case "pbft":
		return NewPBFT(pipeline, key, baseTimeout, logger), nil
	}
	return nil, fmt.Errorf("unknown consensus protocol %q", name)
}
