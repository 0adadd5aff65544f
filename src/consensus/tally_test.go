package consensus

import (
	"fmt"
	"testing"

	"github.com/cloudflare/circl/sign/ed25519"

	cm "github.com/anusornc/provchain-org2-sub001/src/common"
	"github.com/anusornc/provchain-org2-sub001/src/crypto"
	"github.com/anusornc/provchain-org2-sub001/src/crypto/keys"
	"github.com/anusornc/provchain-org2-sub001/src/validators"
)

type tallyFixture struct {
	keys  []ed25519.PrivateKey
	ids   []string
	snap  *validators.Snapshot
	audit *Audit
	tally *Tally
}

func newTallyFixture(t *testing.T, weights []uint64) *tallyFixture {
	privs := make([]ed25519.PrivateKey, len(weights))
	ids := make([]string, len(weights))
	vals := make([]*validators.Validator, len(weights))
	for i, w := range weights {
		key, err := keys.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		privs[i] = key
		ids[i] = keys.PublicKeyHex(keys.FromPrivateKey(key))
		vals[i] = validators.NewValidator(ids[i], fmt.Sprintf("node%d", i), w)
	}

	snap := validators.NewSnapshot(0, vals)
	audit := NewAudit(cm.NewTestEntry(t))

	return &tallyFixture{
		keys:  privs,
		ids:   ids,
		snap:  snap,
		audit: audit,
		tally: NewTally(snap, audit, cm.NewTestEntry(t)),
	}
}

func (f *tallyFixture) vote(t *testing.T, voter int, round Round, kind Kind, blockHash []byte) *Vote {
	msg := &Message{
		Round:     round,
		Kind:      kind,
		BlockHash: blockHash,
		Sender:    f.ids[voter],
	}
	if err := msg.Sign(f.keys[voter]); err != nil {
		t.Fatal(err)
	}
	return msg.Vote()
}

func TestTallyQuorumWeights(t *testing.T) {
	f := newTallyFixture(t, []uint64{3, 1, 1, 1})
	round := Round{Height: 1}
	hash := crypto.SHA256([]byte("block"))
	other := crypto.SHA256([]byte("other block"))

	if f.snap.QuorumThreshold() != 5 {
		t.Fatalf("threshold should be 5, not %d", f.snap.QuorumThreshold())
	}

	//3 + 1 = 4 is one short of quorum
	for _, voter := range []int{0, 1} {
		if counted, err := f.tally.Add(f.vote(t, voter, round, Prepare, hash)); err != nil || !counted {
			t.Fatalf("vote from %d should count, got (%v, %v)", voter, counted, err)
		}
	}
	if f.tally.Weight(round, Prepare, hash) != 4 {
		t.Fatalf("weight should be 4, not %d", f.tally.Weight(round, Prepare, hash))
	}
	if f.tally.HasQuorum(round, Prepare, hash) {
		t.Fatal("4 of 6 must not be a quorum")
	}

	//a vote for a different hash moves nothing
	if _, err := f.tally.Add(f.vote(t, 3, round, Prepare, other)); err != nil {
		t.Fatal(err)
	}
	if f.tally.Weight(round, Prepare, hash) != 4 {
		t.Fatal("a dissenting vote must not add to this hash")
	}

	//the third supporting vote tips it over
	if _, err := f.tally.Add(f.vote(t, 2, round, Prepare, hash)); err != nil {
		t.Fatal(err)
	}
	if !f.tally.HasQuorum(round, Prepare, hash) {
		t.Fatal("5 of 6 should be a quorum")
	}

	//commit votes are tracked separately from prepare votes
	if f.tally.Weight(round, Commit, hash) != 0 {
		t.Fatal("no commit votes were cast")
	}
}

func TestTallySuspendedWeight(t *testing.T) {
	f := newTallyFixture(t, []uint64{1, 1, 1, 2})
	f.snap.Validators[3].Suspended = true
	round := Round{Height: 1}
	hash := crypto.SHA256([]byte("block"))

	//active weight is 3, so the threshold is 2*3/3+1 = 3
	if f.snap.QuorumThreshold() != 3 {
		t.Fatalf("threshold should be 3, not %d", f.snap.QuorumThreshold())
	}

	//the suspended validator's vote is kept but weighs nothing
	if counted, err := f.tally.Add(f.vote(t, 3, round, Prepare, hash)); err != nil || !counted {
		t.Fatalf("suspended vote should still be recorded, got (%v, %v)", counted, err)
	}
	if f.tally.Weight(round, Prepare, hash) != 0 {
		t.Fatalf("suspended weight must not count, got %d", f.tally.Weight(round, Prepare, hash))
	}

	for _, voter := range []int{0, 1, 2} {
		if _, err := f.tally.Add(f.vote(t, voter, round, Prepare, hash)); err != nil {
			t.Fatal(err)
		}
	}
	if !f.tally.HasQuorum(round, Prepare, hash) {
		t.Fatal("all three active validators should make a quorum")
	}
}

func TestTallyConflictingVotes(t *testing.T) {
	f := newTallyFixture(t, []uint64{1, 1, 1})
	round := Round{Height: 1}
	hashA := crypto.SHA256([]byte("block A"))
	hashB := crypto.SHA256([]byte("block B"))
	hashC := crypto.SHA256([]byte("block C"))

	first := f.vote(t, 0, round, Prepare, hashA)
	if counted, err := f.tally.Add(first); err != nil || !counted {
		t.Fatalf("first vote should count, got (%v, %v)", counted, err)
	}

	//identical redelivery is dropped without noise
	if counted, err := f.tally.Add(f.vote(t, 0, round, Prepare, hashA)); err != nil || counted {
		t.Fatalf("redelivery should be a silent no-op, got (%v, %v)", counted, err)
	}
	if f.audit.Count() != 0 {
		t.Fatal("redelivery is not equivocation")
	}

	//a conflicting vote is rejected and recorded
	conflicting := f.vote(t, 0, round, Prepare, hashB)
	if _, err := f.tally.Add(conflicting); !cm.IsCore(err, cm.Equivocation) {
		t.Fatalf("expected Equivocation, got %v", err)
	}
	if f.audit.Count() != 1 {
		t.Fatalf("expected 1 record, got %d", f.audit.Count())
	}

	//the first vote stays the counted one
	if f.tally.Weight(round, Prepare, hashA) != 1 {
		t.Fatal("the original vote must remain counted")
	}
	if f.tally.Weight(round, Prepare, hashB) != 0 {
		t.Fatal("the conflicting vote must not count")
	}

	//redelivering the same conflicting vote does not grow the record
	if _, err := f.tally.Add(conflicting); !cm.IsCore(err, cm.Equivocation) {
		t.Fatalf("expected Equivocation, got %v", err)
	}
	if f.audit.Count() != 1 {
		t.Fatalf("the same pair must be recorded once, got %d", f.audit.Count())
	}

	//a third distinct hash forms a new offending pair
	if _, err := f.tally.Add(f.vote(t, 0, round, Prepare, hashC)); !cm.IsCore(err, cm.Equivocation) {
		t.Fatalf("expected Equivocation, got %v", err)
	}
	if f.audit.Count() != 2 {
		t.Fatalf("expected 2 records, got %d", f.audit.Count())
	}

	records := f.audit.Records()
	for _, r := range records {
		if r.Voter != f.ids[0] {
			t.Fatalf("record should name voter %s, not %s", f.ids[0], r.Voter)
		}
		if !r.First.Verify() || !r.Second.Verify() {
			t.Fatal("evidence must carry verifiable signatures")
		}
	}
}

func TestTallyViewsAreSeparateRounds(t *testing.T) {
	f := newTallyFixture(t, []uint64{1, 1, 1})
	hashA := crypto.SHA256([]byte("block A"))
	hashB := crypto.SHA256([]byte("block B"))

	//the same voter backing different blocks in different views of the same
	//height is not equivocation
	if _, err := f.tally.Add(f.vote(t, 0, Round{Height: 1, View: 0}, Prepare, hashA)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tally.Add(f.vote(t, 0, Round{Height: 1, View: 1}, Prepare, hashB)); err != nil {
		t.Fatal(err)
	}
	if f.audit.Count() != 0 {
		t.Fatal("votes in different views must not conflict")
	}
	if f.tally.OpenRounds() != 2 {
		t.Fatalf("expected 2 open rounds, got %d", f.tally.OpenRounds())
	}

	//superseded view weight does not leak into the new view
	if f.tally.Weight(Round{Height: 1, View: 1}, Prepare, hashA) != 0 {
		t.Fatal("old view votes must not count in the new view")
	}
}

func TestTallyVotesForOrdering(t *testing.T) {
	f := newTallyFixture(t, []uint64{1, 1, 1, 1})
	round := Round{Height: 1}
	hash := crypto.SHA256([]byte("block"))

	for voter := range f.keys {
		if _, err := f.tally.Add(f.vote(t, voter, round, Commit, hash)); err != nil {
			t.Fatal(err)
		}
	}

	votes := f.tally.VotesFor(round, Commit, hash)
	if len(votes) != 4 {
		t.Fatalf("expected 4 votes, got %d", len(votes))
	}
	for i := 1; i < len(votes); i++ {
		if votes[i-1].Voter >= votes[i].Voter {
			t.Fatal("votes should be ordered by voter")
		}
	}
	for _, v := range votes {
		if !v.Verify() {
			t.Fatalf("vote from %s should verify", v.Voter)
		}
	}
}

func TestTallyPruneKeepsEvidence(t *testing.T) {
	f := newTallyFixture(t, []uint64{1, 1, 1})
	hashA := crypto.SHA256([]byte("block A"))
	hashB := crypto.SHA256([]byte("block B"))

	if _, err := f.tally.Add(f.vote(t, 0, Round{Height: 1}, Prepare, hashA)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.tally.Add(f.vote(t, 0, Round{Height: 1}, Prepare, hashB)); !cm.IsCore(err, cm.Equivocation) {
		t.Fatalf("expected Equivocation, got %v", err)
	}
	if _, err := f.tally.Add(f.vote(t, 1, Round{Height: 2}, Prepare, hashA)); err != nil {
		t.Fatal(err)
	}

	f.tally.Prune(1)

	if f.tally.OpenRounds() != 1 {
		t.Fatalf("only height 2 should remain open, got %d rounds", f.tally.OpenRounds())
	}
	if f.tally.Weight(Round{Height: 1}, Prepare, hashA) != 0 {
		t.Fatal("pruned rounds must not weigh anything")
	}
	if f.tally.Weight(Round{Height: 2}, Prepare, hashA) != 1 {
		t.Fatal("later rounds must survive the prune")
	}

	//the audit outlives the votes it was built from
	if f.audit.Count() != 1 {
		t.Fatalf("evidence must survive pruning, got %d records", f.audit.Count())
	}
}
