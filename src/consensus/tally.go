package consensus

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	cm "github.com/anusornc/provchain-org2-sub001/src/common"
	"github.com/anusornc/provchain-org2-sub001/src/validators"
)

// Tally is the per-round vote ledger. It accepts at most one vote per
// (round, phase, voter); a second differing vote is handed to the audit and
// rejected with Equivocation. Votes are weighed against the current
// validator snapshot. The tally is not safe for concurrent use; the
// protocol serializes access to it.
type Tally struct {
	snapshot *validators.Snapshot
	audit    *Audit
	votes    map[Round]map[Kind]map[string]*Vote
	logger   *logrus.Entry
}

// NewTally ...
func NewTally(snapshot *validators.Snapshot, audit *Audit, logger *logrus.Entry) *Tally {
	return &Tally{
		snapshot: snapshot,
		audit:    audit,
		votes:    map[Round]map[Kind]map[string]*Vote{},
		logger:   logger,
	}
}

// SetSnapshot swaps the validator snapshot used for weighing. Called on
// epoch advance.
func (t *Tally) SetSnapshot(snapshot *validators.Snapshot) {
	t.snapshot = snapshot
}

// Add records a vote. A redelivered identical vote is dropped silently; a
// conflicting vote is recorded as equivocation and rejected. The first vote
// under a key stays the counted one.
func (t *Tally) Add(vote *Vote) (bool, error) {
	byKind, ok := t.votes[vote.Round]
	if !ok {
		byKind = map[Kind]map[string]*Vote{}
		t.votes[vote.Round] = byKind
	}
	byVoter, ok := byKind[vote.Kind]
	if !ok {
		byVoter = map[string]*Vote{}
		byKind[vote.Kind] = byVoter
	}

	if existing, ok := byVoter[vote.Voter]; ok {
		if bytes.Equal(existing.BlockHash, vote.BlockHash) {
			return false, nil
		}

		t.audit.Record(&Equivocation{
			Voter:  vote.Voter,
			Round:  vote.Round,
			Kind:   vote.Kind,
			First:  existing,
			Second: vote,
		})

		return false, cm.NewCoreErr("Tally", cm.Equivocation,
			fmt.Sprintf("%s %s %s", vote.Voter, vote.Round, vote.Kind))
	}

	byVoter[vote.Voter] = vote

	t.logger.WithFields(logrus.Fields{
		"round": vote.Round.String(),
		"kind":  vote.Kind.String(),
		"voter": vote.Voter,
	}).Debug("Vote counted")

	return true, nil
}

// Weight sums the active weight behind a block hash in one phase of one
// round.
func (t *Tally) Weight(round Round, kind Kind, blockHash []byte) uint64 {
	byKind, ok := t.votes[round]
	if !ok {
		return 0
	}
	byVoter, ok := byKind[kind]
	if !ok {
		return 0
	}

	var weight uint64
	for voter, vote := range byVoter {
		if !bytes.Equal(vote.BlockHash, blockHash) {
			continue
		}
		val, ok := t.snapshot.ByPubKey[voter]
		if !ok || !val.IsActive() {
			continue
		}
		weight += val.Weight
	}
	return weight
}

// HasQuorum reports whether the weight behind a hash reaches the snapshot's
// quorum threshold.
func (t *Tally) HasQuorum(round Round, kind Kind, blockHash []byte) bool {
	return t.Weight(round, kind, blockHash) >= t.snapshot.QuorumThreshold()
}

// VotesFor returns the votes behind a hash in one phase of one round,
// ordered by voter.
func (t *Tally) VotesFor(round Round, kind Kind, blockHash []byte) []*Vote {
	res := []*Vote{}
	byKind, ok := t.votes[round]
	if !ok {
		return res
	}
	byVoter, ok := byKind[kind]
	if !ok {
		return res
	}
	for _, vote := range byVoter {
		if bytes.Equal(vote.BlockHash, blockHash) {
			res = append(res, vote)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Voter < res[j].Voter })
	return res
}

// Prune drops vote accounting for every height up to and including height.
// Equivocation evidence is kept by the audit and survives pruning.
func (t *Tally) Prune(height uint64) {
	for round := range t.votes {
		if round.Height <= height {
			delete(t.votes, round)
		}
	}
}

// OpenRounds returns the number of rounds with tracked votes.
func (t *Tally) OpenRounds() int {
	return len(t.votes)
}
