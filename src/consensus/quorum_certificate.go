package consensus

import (
	"bytes"
	"fmt"

	cm "github.com/anusornc/provchain-org2-sub001/src/common"
	"github.com/anusornc/provchain-org2-sub001/src/validators"
)

// QuorumCertificate is the proof that a block reached commit quorum: the
// commit votes of a weight of validators at or above the quorum threshold,
// all referencing the same block hash in the same round.
type QuorumCertificate struct {
	Round     Round   `json:"round"`
	BlockHash []byte  `json:"block_hash"`
	Votes     []*Vote `json:"votes"`
}

// Validate checks the certificate against a validator snapshot: every vote
// must be a well-signed commit from a distinct active validator for the
// certificate's round and hash, and together they must reach the quorum
// threshold.
func (qc *QuorumCertificate) Validate(snapshot *validators.Snapshot) error {
	if len(qc.BlockHash) == 0 {
		return cm.NewCoreErr("QuorumCertificate", cm.Malformed, "empty block hash")
	}

	seen := map[string]struct{}{}
	var weight uint64

	for _, vote := range qc.Votes {
		if vote.Kind != Commit {
			return cm.NewCoreErr("QuorumCertificate", cm.Malformed,
				fmt.Sprintf("%s vote from %s", vote.Kind, vote.Voter))
		}
		if vote.Round != qc.Round {
			return cm.NewCoreErr("QuorumCertificate", cm.Malformed,
				fmt.Sprintf("vote round %s, certificate round %s", vote.Round, qc.Round))
		}
		if !bytes.Equal(vote.BlockHash, qc.BlockHash) {
			return cm.NewCoreErr("QuorumCertificate", cm.Malformed,
				fmt.Sprintf("vote hash mismatch from %s", vote.Voter))
		}
		if _, ok := seen[vote.Voter]; ok {
			return cm.NewCoreErr("QuorumCertificate", cm.Malformed,
				fmt.Sprintf("duplicate voter %s", vote.Voter))
		}
		seen[vote.Voter] = struct{}{}

		val, ok := snapshot.ByPubKey[vote.Voter]
		if !ok || !val.IsActive() {
			return cm.NewCoreErr("QuorumCertificate", cm.UnauthorizedProposer,
				fmt.Sprintf("voter %s not in the active set", vote.Voter))
		}
		if !vote.Verify() {
			return cm.NewCoreErr("QuorumCertificate", cm.BadSignature,
				fmt.Sprintf("vote from %s", vote.Voter))
		}

		weight += val.Weight
	}

	if weight < snapshot.QuorumThreshold() {
		return cm.NewCoreErr("QuorumCertificate", cm.Malformed,
			fmt.Sprintf("weight %d below threshold %d", weight, snapshot.QuorumThreshold()))
	}

	return nil
}
