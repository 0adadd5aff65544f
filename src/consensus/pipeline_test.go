package consensus

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
	cm "github.com/anusornc/provchain-org2-sub001/src/common"
	"github.com/anusornc/provchain-org2-sub001/src/crypto"
	"github.com/anusornc/provchain-org2-sub001/src/crypto/keys"
	"github.com/anusornc/provchain-org2-sub001/src/payload/inmem"
	"github.com/anusornc/provchain-org2-sub001/src/validators"
)

type pipelineFixture struct {
	ids      []string
	keys     map[string]ed25519.PrivateKey
	registry *validators.Registry
	store    *chain.InmemStore
	proxy    *inmem.InmemProxy
	pipeline *Pipeline
	outsider ed25519.PrivateKey
}

func newPipelineFixture(t *testing.T, n int, epochLength uint64) *pipelineFixture {
	ids := make([]string, n)
	privs := map[string]ed25519.PrivateKey{}
	vals := make([]*validators.Validator, n)
	for i := 0; i < n; i++ {
		key, err := keys.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		id := keys.PublicKeyHex(keys.FromPrivateKey(key))
		ids[i] = id
		privs[id] = key
		vals[i] = validators.NewValidator(id, fmt.Sprintf("node%d", i), 1)
	}

	registry, err := validators.NewRegistry(vals, epochLength, cm.NewTestEntry(t))
	if err != nil {
		t.Fatal(err)
	}

	store, err := chain.NewInmemStore(
		chain.NewGenesisBlock(crypto.SHA256([]byte("genesis payload"))), 100)
	if err != nil {
		t.Fatal(err)
	}

	outsider, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	proxy := inmem.NewInmemProxy(cm.NewTestLogger(t))

	return &pipelineFixture{
		ids:      ids,
		keys:     privs,
		registry: registry,
		store:    store,
		proxy:    proxy,
		pipeline: NewPipeline(store, proxy, registry, cm.NewTestEntry(t)),
		outsider: outsider,
	}
}

func (f *pipelineFixture) snapshot() *validators.Snapshot {
	return f.registry.Current()
}

func (f *pipelineFixture) leaderKey(t *testing.T, height, view uint64) ed25519.PrivateKey {
	leader := f.snapshot().LeaderFor(height, view)
	if leader == nil {
		t.Fatal("no leader")
	}
	return f.keys[leader.PubKeyHex]
}

func (f *pipelineFixture) nonLeaderKey(t *testing.T, height, view uint64) ed25519.PrivateKey {
	leader := f.snapshot().LeaderFor(height, view)
	if leader == nil {
		t.Fatal("no leader")
	}
	for _, id := range f.ids {
		if id != leader.PubKeyHex {
			return f.keys[id]
		}
	}
	t.Fatal("no non-leader")
	return nil
}

// buildCandidate assembles and signs a head successor with the given key,
// mutating the body first if asked.
func (f *pipelineFixture) buildCandidate(t *testing.T, key ed25519.PrivateKey, mutate func(*chain.Block)) *chain.Block {
	digest := crypto.SHA256([]byte(fmt.Sprintf("payload %d", f.store.Height()+1)))
	block, err := chain.NewBlock(f.store.Head(), digest, int64(f.store.Height()+1),
		keys.PublicKeyHex(keys.FromPrivateKey(key)))
	if err != nil {
		t.Fatal(err)
	}
	if mutate != nil {
		mutate(block)
	}
	if err := block.Sign(key); err != nil {
		t.Fatal(err)
	}
	return block
}

func TestPipelineBuildBlock(t *testing.T) {
	f := newPipelineFixture(t, 3, 10)
	key := f.leaderKey(t, 1, 0)
	digest := crypto.SHA256([]byte("payload 1"))

	block, err := f.pipeline.BuildBlock(digest, 1, key)
	if err != nil {
		t.Fatal(err)
	}

	if block.Index() != 1 {
		t.Fatalf("index should be 1, not %d", block.Index())
	}
	headHash, err := f.store.Head().Hash()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(block.PreviousHash(), headHash) {
		t.Fatal("candidate should extend the head")
	}
	want := crypto.SimpleHashFromTwoHashes(f.store.StateRoot(), digest)
	if !bytes.Equal(block.StateRoot(), want) {
		t.Fatal("state root should fold the digest onto the head root")
	}
	if ok, err := block.Verify(); err != nil || !ok {
		t.Fatalf("candidate should verify, got (%v, %v)", ok, err)
	}
	if block.Proposer() != keys.PublicKeyHex(keys.FromPrivateKey(key)) {
		t.Fatal("proposer should be the signing key")
	}

	if err := f.pipeline.Validate(block, Round{Height: 1}, f.snapshot(), nil); err != nil {
		t.Fatalf("our own candidate should pass the pipeline: %v", err)
	}
}

func TestPipelineStructuralStage(t *testing.T) {
	t.Run("nil block", func(t *testing.T) {
		f := newPipelineFixture(t, 3, 10)
		err := f.pipeline.Validate(nil, Round{Height: 1}, f.snapshot(), nil)
		if !cm.IsCore(err, cm.Malformed) {
			t.Fatalf("expected Malformed, got %v", err)
		}
	})

	t.Run("height conflict", func(t *testing.T) {
		f := newPipelineFixture(t, 3, 10)
		block := f.buildCandidate(t, f.leaderKey(t, 1, 0), nil)
		if err := f.pipeline.Commit(block); err != nil {
			t.Fatal(err)
		}

		err := f.pipeline.Validate(block, Round{Height: 1}, f.snapshot(), nil)
		if !cm.IsCore(err, cm.HeightConflict) {
			t.Fatalf("expected HeightConflict, got %v", err)
		}
	})

	t.Run("skipped index", func(t *testing.T) {
		f := newPipelineFixture(t, 3, 10)
		block1 := f.buildCandidate(t, f.leaderKey(t, 1, 0), nil)

		//a successor of an uncommitted block arrives two heights ahead
		digest := crypto.SHA256([]byte("payload 2"))
		key := f.leaderKey(t, 2, 0)
		block2, err := chain.NewBlock(block1, digest, 2, keys.PublicKeyHex(keys.FromPrivateKey(key)))
		if err != nil {
			t.Fatal(err)
		}
		if err := block2.Sign(key); err != nil {
			t.Fatal(err)
		}

		verr := f.pipeline.Validate(block2, Round{Height: 2}, f.snapshot(), nil)
		if !cm.IsStore(verr, cm.SkippedIndex) {
			t.Fatalf("expected SkippedIndex, got %v", verr)
		}
	})

	t.Run("round mismatch", func(t *testing.T) {
		f := newPipelineFixture(t, 3, 10)
		block := f.buildCandidate(t, f.leaderKey(t, 1, 0), nil)
		err := f.pipeline.Validate(block, Round{Height: 2}, f.snapshot(), nil)
		if !cm.IsCore(err, cm.Malformed) {
			t.Fatalf("expected Malformed, got %v", err)
		}
	})

	t.Run("bad digest size", func(t *testing.T) {
		f := newPipelineFixture(t, 3, 10)
		block := f.buildCandidate(t, f.leaderKey(t, 1, 0), func(b *chain.Block) {
			b.Body.PayloadDigest = []byte("short")
		})
		err := f.pipeline.Validate(block, Round{Height: 1}, f.snapshot(), nil)
		if !cm.IsCore(err, cm.Malformed) {
			t.Fatalf("expected Malformed, got %v", err)
		}
	})

	t.Run("previous hash mismatch", func(t *testing.T) {
		f := newPipelineFixture(t, 3, 10)
		block := f.buildCandidate(t, f.leaderKey(t, 1, 0), func(b *chain.Block) {
			b.Body.PreviousHash = crypto.SHA256([]byte("fork"))
		})
		err := f.pipeline.Validate(block, Round{Height: 1}, f.snapshot(), nil)
		if !cm.IsCore(err, cm.Malformed) {
			t.Fatalf("expected Malformed, got %v", err)
		}
	})
}

func TestPipelineSignatureStage(t *testing.T) {
	t.Run("tampered signature", func(t *testing.T) {
		f := newPipelineFixture(t, 3, 10)
		block := f.buildCandidate(t, f.leaderKey(t, 1, 0), nil)
		block.Signature[0] ^= 0xff

		err := f.pipeline.Validate(block, Round{Height: 1}, f.snapshot(), nil)
		if !cm.IsCore(err, cm.BadSignature) {
			t.Fatalf("expected BadSignature, got %v", err)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		f := newPipelineFixture(t, 3, 10)
		leaderID := keys.PublicKeyHex(keys.FromPrivateKey(f.leaderKey(t, 1, 0)))

		//proposer claims the leader's identity but signs with another key
		digest := crypto.SHA256([]byte("payload 1"))
		block, err := chain.NewBlock(f.store.Head(), digest, 1, leaderID)
		if err != nil {
			t.Fatal(err)
		}
		if err := block.Sign(f.nonLeaderKey(t, 1, 0)); err != nil {
			t.Fatal(err)
		}

		verr := f.pipeline.Validate(block, Round{Height: 1}, f.snapshot(), nil)
		if !cm.IsCore(verr, cm.BadSignature) {
			t.Fatalf("expected BadSignature, got %v", verr)
		}
	})
}

func TestPipelineEligibilityStage(t *testing.T) {
	t.Run("non-leader proposer", func(t *testing.T) {
		f := newPipelineFixture(t, 3, 10)
		block := f.buildCandidate(t, f.nonLeaderKey(t, 1, 0), nil)

		err := f.pipeline.Validate(block, Round{Height: 1}, f.snapshot(), nil)
		if !cm.IsCore(err, cm.UnauthorizedProposer) {
			t.Fatalf("expected UnauthorizedProposer, got %v", err)
		}
	})

	t.Run("no active validators", func(t *testing.T) {
		f := newPipelineFixture(t, 3, 10)
		block := f.buildCandidate(t, f.leaderKey(t, 1, 0), nil)

		empty := validators.NewSnapshot(1, nil)
		err := f.pipeline.Validate(block, Round{Height: 1}, empty, nil)
		if !cm.IsCore(err, cm.InsufficientValidators) {
			t.Fatalf("expected InsufficientValidators, got %v", err)
		}
	})
}

func TestPipelineStateStage(t *testing.T) {
	f := newPipelineFixture(t, 3, 10)

	//a properly signed leader block whose root does not fold from the head
	block := f.buildCandidate(t, f.leaderKey(t, 1, 0), func(b *chain.Block) {
		b.Body.StateRoot = crypto.SHA256([]byte("bogus root"))
	})

	err := f.pipeline.Validate(block, Round{Height: 1}, f.snapshot(), nil)
	if !cm.IsCore(err, cm.StateApplicationFailed) {
		t.Fatalf("expected StateApplicationFailed, got %v", err)
	}
}

func TestPipelineCertificateEligibility(t *testing.T) {
	f := newPipelineFixture(t, 4, 10)

	//the block is signed by an active validator that does not lead (1,0);
	//without a certificate the pipeline must refuse it
	block := f.buildCandidate(t, f.nonLeaderKey(t, 1, 0), nil)
	if err := f.pipeline.Validate(block, Round{Height: 1}, f.snapshot(), nil); !cm.IsCore(err, cm.UnauthorizedProposer) {
		t.Fatalf("expected UnauthorizedProposer without certificate, got %v", err)
	}

	hash, err := block.Hash()
	if err != nil {
		t.Fatal(err)
	}

	commitVotes := func(blockHash []byte, count int) []*Vote {
		votes := []*Vote{}
		for _, id := range f.ids[:count] {
			msg := &Message{
				Round:     Round{Height: 1},
				Kind:      Commit,
				BlockHash: blockHash,
				Sender:    id,
			}
			if err := msg.Sign(f.keys[id]); err != nil {
				t.Fatal(err)
			}
			votes = append(votes, msg.Vote())
		}
		return votes
	}

	//a quorum certificate vouches for the decision instead
	qc := &QuorumCertificate{
		Round:     Round{Height: 1},
		BlockHash: hash,
		Votes:     commitVotes(hash, 3),
	}
	if err := f.pipeline.Validate(block, Round{Height: 1}, f.snapshot(), qc); err != nil {
		t.Fatalf("a certified block should pass: %v", err)
	}

	t.Run("certificate for another block", func(t *testing.T) {
		otherHash := crypto.SHA256([]byte("other block"))
		bad := &QuorumCertificate{
			Round:     Round{Height: 1},
			BlockHash: otherHash,
			Votes:     commitVotes(otherHash, 3),
		}
		err := f.pipeline.Validate(block, Round{Height: 1}, f.snapshot(), bad)
		if !cm.IsCore(err, cm.UnauthorizedProposer) {
			t.Fatalf("expected UnauthorizedProposer, got %v", err)
		}
	})

	t.Run("certificate for another height", func(t *testing.T) {
		bad := &QuorumCertificate{
			Round:     Round{Height: 2},
			BlockHash: hash,
			Votes:     qc.Votes,
		}
		err := f.pipeline.Validate(block, Round{Height: 1}, f.snapshot(), bad)
		if !cm.IsCore(err, cm.UnauthorizedProposer) {
			t.Fatalf("expected UnauthorizedProposer, got %v", err)
		}
	})

	t.Run("under-weight certificate", func(t *testing.T) {
		bad := &QuorumCertificate{
			Round:     Round{Height: 1},
			BlockHash: hash,
			Votes:     commitVotes(hash, 2),
		}
		err := f.pipeline.Validate(block, Round{Height: 1}, f.snapshot(), bad)
		if !cm.IsCore(err, cm.Malformed) {
			t.Fatalf("expected Malformed, got %v", err)
		}
	})
}

func TestPipelineValidateSync(t *testing.T) {
	f := newPipelineFixture(t, 4, 10)

	//during catch-up the deciding view is unknown; any active proposer is
	//accepted
	block := f.buildCandidate(t, f.nonLeaderKey(t, 1, 0), nil)
	if err := f.pipeline.ValidateSync(block, f.snapshot()); err != nil {
		t.Fatalf("an active proposer should pass sync validation: %v", err)
	}

	outside := f.buildCandidate(t, f.outsider, nil)
	if err := f.pipeline.ValidateSync(outside, f.snapshot()); !cm.IsCore(err, cm.UnauthorizedProposer) {
		t.Fatalf("expected UnauthorizedProposer, got %v", err)
	}

	if err := f.pipeline.Commit(block); err != nil {
		t.Fatal(err)
	}
	if err := f.pipeline.ValidateSync(block, f.snapshot()); !cm.IsCore(err, cm.HeightConflict) {
		t.Fatalf("expected HeightConflict, got %v", err)
	}
}

func TestPipelineCommit(t *testing.T) {
	f := newPipelineFixture(t, 3, 10)

	block1 := f.buildCandidate(t, f.leaderKey(t, 1, 0), nil)
	if err := f.pipeline.Commit(block1); err != nil {
		t.Fatal(err)
	}
	block2 := f.buildCandidate(t, f.leaderKey(t, 2, 0), nil)
	if err := f.pipeline.Commit(block2); err != nil {
		t.Fatal(err)
	}

	if f.store.Height() != 2 {
		t.Fatalf("height should be 2, not %d", f.store.Height())
	}
	if !bytes.Equal(f.store.StateRoot(), block2.StateRoot()) {
		t.Fatal("the store root should follow the committed head")
	}

	committed := f.proxy.CommittedDigests()
	if len(committed) != 2 {
		t.Fatalf("expected 2 applied digests, got %d", len(committed))
	}
	if !bytes.Equal(committed[0], block1.PayloadDigest()) ||
		!bytes.Equal(committed[1], block2.PayloadDigest()) {
		t.Fatal("digests should be applied in commit order")
	}

	//the ledger refuses to take the same height twice
	if err := f.pipeline.Commit(block2); !cm.IsCore(err, cm.HeightConflict) {
		t.Fatalf("expected HeightConflict, got %v", err)
	}
	if f.store.Height() != 2 {
		t.Fatal("a refused commit must not move the head")
	}
}

func TestPipelineCommitAdvancesEpoch(t *testing.T) {
	f := newPipelineFixture(t, 4, 2)

	newKey, err := keys.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	joiner := validators.NewValidator(
		keys.PublicKeyHex(keys.FromPrivateKey(newKey)), "joiner", 1)
	if err := f.registry.StageChange([]*validators.Validator{joiner}, nil, 2); err != nil {
		t.Fatal(err)
	}

	block1 := f.buildCandidate(t, f.leaderKey(t, 1, 0), nil)
	if err := f.pipeline.Commit(block1); err != nil {
		t.Fatal(err)
	}
	if f.registry.Current().Epoch != 0 {
		t.Fatal("the change must not apply before its effective height")
	}

	block2 := f.buildCandidate(t, f.leaderKey(t, 2, 0), nil)
	if err := f.pipeline.Commit(block2); err != nil {
		t.Fatal(err)
	}

	snapshot := f.registry.Current()
	if snapshot.Epoch != 1 {
		t.Fatalf("epoch should be 1, not %d", snapshot.Epoch)
	}
	if snapshot.Len() != 5 {
		t.Fatalf("the joiner should be in, got %d validators", snapshot.Len())
	}
	if !snapshot.IsAuthorized(joiner.PubKeyHex) {
		t.Fatal("the joiner should be active")
	}
}

type failingProxy struct {
	submitCh chan []byte
}

func (p *failingProxy) SubmitCh() chan []byte {
	return p.submitCh
}

func (p *failingProxy) CommitBlock(block *chain.Block) error {
	return fmt.Errorf("payload store unavailable")
}

func TestPipelineCommitPayloadFailure(t *testing.T) {
	f := newPipelineFixture(t, 3, 10)
	pipeline := NewPipeline(f.store, &failingProxy{}, f.registry, cm.NewTestEntry(t))

	block := f.buildCandidate(t, f.leaderKey(t, 1, 0), nil)
	err := pipeline.Commit(block)
	if !cm.IsCore(err, cm.StateApplicationFailed) {
		t.Fatalf("expected StateApplicationFailed, got %v", err)
	}

	//the append is already durable; replaying the payload layer over the
	//ledger is what restores consistency, not rolling the chain back
	if f.store.Height() != 1 {
		t.Fatalf("the appended block stays, height is %d", f.store.Height())
	}
}
