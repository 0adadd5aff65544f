package consensus

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
	cm "github.com/anusornc/provchain-org2-sub001/src/common"
	"github.com/anusornc/provchain-org2-sub001/src/crypto"
	"github.com/anusornc/provchain-org2-sub001/src/crypto/keys"
	"github.com/anusornc/provchain-org2-sub001/src/payload/inmem"
	"github.com/anusornc/provchain-org2-sub001/src/validators"
)

const testTimeout = 100 * time.Millisecond

type testNode struct {
	key      ed25519.PrivateKey
	id       string
	store    *chain.InmemStore
	proxy    *inmem.InmemProxy
	registry *validators.Registry
	pipeline *Pipeline
	protocol Protocol
}

// newTestNetwork builds n isolated nodes sharing a genesis block and a
// genesis validator set, each running its own protocol instance.
func newTestNetwork(t *testing.T, n int, protocolName string) []*testNode {
	genesisDigest := crypto.SHA256([]byte("genesis payload"))

	nodeKeys := make([]ed25519.PrivateKey, n)
	vals := make([]*validators.Validator, n)
	for i := 0; i < n; i++ {
		key, err := keys.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		nodeKeys[i] = key
		vals[i] = validators.NewValidator(
			keys.PublicKeyHex(keys.FromPrivateKey(key)),
			fmt.Sprintf("node%d", i),
			1)
	}

	nodes := make([]*testNode, n)
	for i := 0; i < n; i++ {
		valsCopy := make([]*validators.Validator, n)
		for j, v := range vals {
			valsCopy[j] = v.Copy()
		}

		registry, err := validators.NewRegistry(valsCopy, 10, cm.NewTestEntry(t))
		if err != nil {
			t.Fatal(err)
		}

		store, err := chain.NewInmemStore(chain.NewGenesisBlock(genesisDigest), 100)
		if err != nil {
			t.Fatal(err)
		}

		proxy := inmem.NewInmemProxy(cm.NewTestLogger(t))
		pipeline := NewPipeline(store, proxy, registry, cm.NewTestEntry(t))

		protocol, err := New(protocolName, pipeline, nodeKeys[i], testTimeout, cm.NewTestEntry(t))
		if err != nil {
			t.Fatal(err)
		}

		nodes[i] = &testNode{
			key:      nodeKeys[i],
			id:       keys.PublicKeyHex(keys.FromPrivateKey(nodeKeys[i])),
			store:    store,
			proxy:    proxy,
			registry: registry,
			pipeline: pipeline,
			protocol: protocol,
		}
	}

	return nodes
}

// leaderNode returns the node leading the given round on nodes[0]'s view of
// the validator set.
func leaderNode(t *testing.T, nodes []*testNode, height, view uint64) *testNode {
	leader := nodes[0].protocol.Snapshot().LeaderFor(height, view)
	if leader == nil {
		t.Fatal("no leader")
	}
	for _, n := range nodes {
		if n.id == leader.PubKeyHex {
			return n
		}
	}
	t.Fatalf("leader %s is not a test node", leader.PubKeyHex)
	return nil
}

// handle executes an action the way the node loop would: validations run
// through the pipeline and feed back into the protocol, commits go to the
// ledger before the protocol advances. It returns everything to broadcast.
func (n *testNode) handle(t *testing.T, action *Action) []*Message {
	out := []*Message{}
	if action == nil {
		return out
	}
	out = append(out, action.Broadcast...)

	switch action.Kind {
	case ActionRequestValidation:
		err := n.pipeline.Validate(action.Block, n.protocol.CurrentRound(), n.protocol.Snapshot(), nil)
		if err != nil {
			hash, herr := action.Block.Hash()
			if herr != nil {
				t.Fatal(herr)
			}
			n.protocol.OnInvalid(hash)
			return out
		}
		next, err := n.protocol.OnValidated(action.Block)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, n.handle(t, next)...)
	case ActionCommit:
		if err := n.pipeline.Commit(action.Block); err != nil {
			t.Fatal(err)
		}
		if err := n.protocol.Committed(action.Block); err != nil {
			t.Fatal(err)
		}
	}

	return out
}

type envelope struct {
	origin int
	msg    *Message
}

// broadcast floods messages between the nodes until the network goes
// quiet. Step errors are ignored here; they classify drops, which the
// scenarios assert on separately.
func broadcast(t *testing.T, nodes []*testNode, origin int, msgs []*Message) {
	queue := []envelope{}
	for _, m := range msgs {
		queue = append(queue, envelope{origin: origin, msg: m})
	}

	for len(queue) > 0 {
		env := queue[0]
		queue = queue[1:]

		for i, n := range nodes {
			if i == env.origin {
				continue
			}
			action, _ := n.protocol.Step(env.msg)
			for _, m := range n.handle(t, action) {
				queue = append(queue, envelope{origin: i, msg: m})
			}
		}
	}
}

func nodeIndex(nodes []*testNode, n *testNode) int {
	for i := range nodes {
		if nodes[i] == n {
			return i
		}
	}
	return -1
}

// propose builds, signs, and submits a candidate on the leader, then floods
// the resulting traffic.
func propose(t *testing.T, nodes []*testNode, leader *testNode, payloadData string) {
	digest := crypto.SHA256([]byte(payloadData))
	height := leader.store.Height() + 1

	block, err := leader.pipeline.BuildBlock(digest, int64(height), leader.key)
	if err != nil {
		t.Fatal(err)
	}

	action, err := leader.protocol.Propose(block)
	if err != nil {
		t.Fatal(err)
	}

	msgs := leader.handle(t, action)
	broadcast(t, nodes, nodeIndex(nodes, leader), msgs)
}

func checkHeads(t *testing.T, nodes []*testNode, height uint64) {
	reference := nodes[0].store.Head()
	for i, n := range nodes {
		if n.store.Height() != height {
			t.Fatalf("node %d height should be %d, not %d", i, height, n.store.Height())
		}
		if n.store.Head().Hex() != reference.Hex() {
			t.Fatalf("node %d head diverged", i)
		}
		if !bytes.Equal(n.store.StateRoot(), reference.StateRoot()) {
			t.Fatalf("node %d state root diverged", i)
		}
	}
}

/*******************************************************************************
* PoA                                                                          *
*******************************************************************************/

func TestPoAHappyPath(t *testing.T) {
	nodes := newTestNetwork(t, 3, "poa")

	leader := leaderNode(t, nodes, 1, 0)
	propose(t, nodes, leader, "block 1 payload")

	checkHeads(t, nodes, 1)

	head := nodes[0].store.Head()
	if head.Proposer() != leader.id {
		t.Fatalf("proposer should be %s, not %s", leader.id, head.Proposer())
	}

	for _, n := range nodes {
		round := n.protocol.CurrentRound()
		if round.Height != 2 || round.View != 0 {
			t.Fatalf("round should be (2,0), not %s", round)
		}
	}
}

func TestPoALeaderRotationOnTimeout(t *testing.T) {
	nodes := newTestNetwork(t, 3, "poa")

	propose(t, nodes, leaderNode(t, nodes, 1, 0), "block 1 payload")
	checkHeads(t, nodes, 1)

	silentLeader := leaderNode(t, nodes, 2, 0)

	//the round (2,0) leader stays silent; every node's deadline fires
	for _, n := range nodes {
		action, err := n.protocol.OnTimeout(n.protocol.CurrentRound())
		if err != nil {
			t.Fatal(err)
		}
		if action.Kind != ActionViewChange || action.NewView != 1 {
			t.Fatalf("expected a view change to view 1, got %s", action.Kind)
		}
	}

	nextLeader := leaderNode(t, nodes, 2, 1)
	if nextLeader == silentLeader {
		t.Fatal("rotation should select a different leader")
	}

	propose(t, nodes, nextLeader, "block 2 payload")
	checkHeads(t, nodes, 2)

	head := nodes[0].store.Head()
	if head.Proposer() != nextLeader.id {
		t.Fatalf("proposer should be the view 1 leader %s, not %s", nextLeader.id, head.Proposer())
	}
	if head.Proposer() == silentLeader.id {
		t.Fatal("the silent leader must not be the committed proposer")
	}
}

func TestPoARejectsNonLeaderProposal(t *testing.T) {
	nodes := newTestNetwork(t, 3, "poa")

	leader := leaderNode(t, nodes, 1, 0)

	var impostor *testNode
	for _, n := range nodes {
		if n != leader {
			impostor = n
			break
		}
	}

	digest := crypto.SHA256([]byte("impostor payload"))
	block, err := impostor.pipeline.BuildBlock(digest, 1, impostor.key)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := impostor.protocol.Propose(block); !cm.IsCore(err, cm.UnauthorizedProposer) {
		t.Fatalf("expected UnauthorizedProposer, got %v", err)
	}

	hash, err := block.Hash()
	if err != nil {
		t.Fatal(err)
	}
	msg := &Message{
		Round:     Round{Height: 1},
		Kind:      Proposal,
		BlockHash: hash,
		Block:     block,
		Sender:    impostor.id,
	}
	if err := msg.Sign(impostor.key); err != nil {
		t.Fatal(err)
	}

	if _, err := leader.protocol.Step(msg); !cm.IsCore(err, cm.UnauthorizedProposer) {
		t.Fatalf("expected UnauthorizedProposer, got %v", err)
	}
	if leader.store.Height() != 0 {
		t.Fatal("no block should have been committed")
	}
}

func TestPoAProposalEquivocation(t *testing.T) {
	nodes := newTestNetwork(t, 3, "poa")

	leader := leaderNode(t, nodes, 1, 0)
	var replica *testNode
	for _, n := range nodes {
		if n != leader {
			replica = n
			break
		}
	}

	buildProposal := func(payloadData string) *Message {
		digest := crypto.SHA256([]byte(payloadData))
		block, err := leader.pipeline.BuildBlock(digest, 1, leader.key)
		if err != nil {
			t.Fatal(err)
		}
		hash, err := block.Hash()
		if err != nil {
			t.Fatal(err)
		}
		msg := &Message{
			Round:     Round{Height: 1},
			Kind:      Proposal,
			BlockHash: hash,
			Block:     block,
			Sender:    leader.id,
		}
		if err := msg.Sign(leader.key); err != nil {
			t.Fatal(err)
		}
		return msg
	}

	first := buildProposal("payload A")
	second := buildProposal("payload B")

	action, err := replica.protocol.Step(first)
	if err != nil {
		t.Fatal(err)
	}
	if action.Kind != ActionRequestValidation {
		t.Fatalf("expected RequestValidation, got %s", action.Kind)
	}

	if _, err := replica.protocol.Step(second); !cm.IsCore(err, cm.Equivocation) {
		t.Fatalf("expected Equivocation, got %v", err)
	}

	//redelivery must not create a second record
	replica.protocol.Step(second)

	if len(replica.protocol.Evidence()) != 1 {
		t.Fatalf("expected exactly 1 equivocation record, got %d", len(replica.protocol.Evidence()))
	}
}

/*******************************************************************************
* PBFT                                                                         *
*******************************************************************************/

func TestPBFTQuorumCommit(t *testing.T) {
	nodes := newTestNetwork(t, 4, "pbft")

	snapshot := nodes[0].protocol.Snapshot()
	if snapshot.QuorumThreshold() != 3 {
		t.Fatalf("quorum should be 3, not %d", snapshot.QuorumThreshold())
	}
	if snapshot.FaultTolerance() != 1 {
		t.Fatalf("fault tolerance should be 1, not %d", snapshot.FaultTolerance())
	}

	leader := leaderNode(t, nodes, 1, 0)

	//the dissenter withholds real votes and pushes votes for a fabricated
	//hash instead
	var dissenter *testNode
	for _, n := range nodes {
		if n != leader {
			dissenter = n
			break
		}
	}
	honest := []*testNode{}
	for _, n := range nodes {
		if n != dissenter {
			honest = append(honest, n)
		}
	}

	bogusHash := crypto.SHA256([]byte("bogus"))
	for _, kind := range []Kind{Prepare, Commit} {
		bogus := &Message{
			Round:     Round{Height: 1},
			Kind:      kind,
			BlockHash: bogusHash,
			Sender:    dissenter.id,
		}
		if err := bogus.Sign(dissenter.key); err != nil {
			t.Fatal(err)
		}
		for _, n := range honest {
			if _, err := n.protocol.Step(bogus); err != nil {
				t.Fatal(err)
			}
		}
	}

	propose(t, honest, leader, "block 1 payload")

	checkHeads(t, honest, 1)

	for _, n := range honest {
		round := n.protocol.CurrentRound()
		if round.Height != 2 {
			t.Fatalf("round height should be 2, not %d", round.Height)
		}
	}

	//the dissenting votes never gathered weight
	if dissenter.store.Height() != 0 {
		t.Fatal("the dissenter did not take part and must not have committed")
	}
}

func TestPBFTSafetyUnderEquivocatingLeader(t *testing.T) {
	nodes := newTestNetwork(t, 4, "pbft")

	leader := leaderNode(t, nodes, 1, 0)
	followers := []*testNode{}
	for _, n := range nodes {
		if n != leader {
			followers = append(followers, n)
		}
	}
	groupA := followers[:2]
	lone := followers[2]

	buildSigned := func(payloadData string) (*chain.Block, *Message) {
		digest := crypto.SHA256([]byte(payloadData))
		block, err := leader.pipeline.BuildBlock(digest, 1, leader.key)
		if err != nil {
			t.Fatal(err)
		}
		hash, err := block.Hash()
		if err != nil {
			t.Fatal(err)
		}
		msg := &Message{
			Round:     Round{Height: 1},
			Kind:      Proposal,
			BlockHash: hash,
			Block:     block,
			Sender:    leader.id,
		}
		if err := msg.Sign(leader.key); err != nil {
			t.Fatal(err)
		}
		return block, msg
	}

	blockA, proposalA := buildSigned("payload A")
	_, proposalB := buildSigned("payload B")

	//the equivocating leader shows A to two followers and B to the third
	collectPrepares := func(n *testNode, proposal *Message) []*Message {
		action, err := n.protocol.Step(proposal)
		if err != nil {
			t.Fatal(err)
		}
		return n.handle(t, action)
	}

	votesA := []*Message{}
	for _, n := range groupA {
		votesA = append(votesA, collectPrepares(n, proposalA)...)
	}
	votesB := collectPrepares(lone, proposalB)

	//one follower sees both pre-prepares; the conflicting pair goes on
	//record and the second proposal is rejected
	if _, err := groupA[0].protocol.Step(proposalB); !cm.IsCore(err, cm.Equivocation) {
		t.Fatalf("expected Equivocation for the second pre-prepare, got %v", err)
	}

	//every prepare vote reaches every follower
	all := append(append([]*Message{}, votesA...), votesB...)
	deliver := func(msgs []*Message) []*Message {
		out := []*Message{}
		for _, m := range msgs {
			for _, n := range followers {
				if n.id == m.Sender {
					continue
				}
				act, _ := n.protocol.Step(m)
				out = append(out, n.handle(t, act)...)
			}
		}
		return out
	}
	deliver(deliver(all))

	//with only two honest prepares, neither block can reach the quorum of
	//three, so no follower finalizes anything at height 1 in this view
	for i, n := range followers {
		if n.store.Height() != 0 {
			t.Fatalf("follower %d finalized at height 1 without quorum", i)
		}
	}

	hashA, err := blockA.Hash()
	if err != nil {
		t.Fatal(err)
	}

	//now the leader backs A with its own votes, pushing A but never B over
	//the threshold
	for _, kind := range []Kind{Prepare, Commit} {
		leaderVote := &Message{
			Round:     Round{Height: 1},
			Kind:      kind,
			BlockHash: hashA,
			Sender:    leader.id,
		}
		if err := leaderVote.Sign(leader.key); err != nil {
			t.Fatal(err)
		}
		for _, n := range followers {
			act, _ := n.protocol.Step(leaderVote)
			for _, m := range n.handle(t, act) {
				for _, other := range followers {
					if other == n || other.id == m.Sender {
						continue
					}
					oact, _ := other.protocol.Step(m)
					other.handle(t, oact)
				}
			}
		}
	}

	//no two followers may have finalized different blocks at height 1
	for i, n := range followers {
		if n.store.Height() == 0 {
			continue
		}
		head := n.store.Head()
		if !bytes.Equal(head.PayloadDigest(), blockA.PayloadDigest()) {
			t.Fatalf("follower %d finalized a block other than A", i)
		}
	}

	//the two-sided pre-prepare is on record with whoever saw both
	recorded := 0
	for _, n := range followers {
		recorded += len(n.protocol.Evidence())
	}
	if recorded == 0 {
		t.Fatal("an equivocating leader should have been recorded somewhere")
	}
}

func TestPBFTViewChangeDiscardsVotes(t *testing.T) {
	nodes := newTestNetwork(t, 4, "pbft")

	leader := leaderNode(t, nodes, 1, 0)
	var replica *testNode
	for _, n := range nodes {
		if n != leader {
			replica = n
			break
		}
	}

	digest := crypto.SHA256([]byte("payload"))
	block, err := leader.pipeline.BuildBlock(digest, 1, leader.key)
	if err != nil {
		t.Fatal(err)
	}
	hash, err := block.Hash()
	if err != nil {
		t.Fatal(err)
	}

	proposal := &Message{
		Round:     Round{Height: 1},
		Kind:      Proposal,
		BlockHash: hash,
		Block:     block,
		Sender:    leader.id,
	}
	if err := proposal.Sign(leader.key); err != nil {
		t.Fatal(err)
	}

	action, err := replica.protocol.Step(proposal)
	if err != nil {
		t.Fatal(err)
	}
	replica.handle(t, action)

	if replica.protocol.Phase() != PhasePrepare {
		t.Fatalf("replica should be preparing, phase is %s", replica.protocol.Phase())
	}

	action, err = replica.protocol.OnTimeout(replica.protocol.CurrentRound())
	if err != nil {
		t.Fatal(err)
	}
	if action.Kind != ActionViewChange || action.NewView != 1 {
		t.Fatalf("expected view change to view 1")
	}
	if replica.protocol.Phase() != PhasePrePrepare {
		t.Fatal("view change should reset the phase")
	}

	//the old leader's proposal for the dead view is now ignored
	again, err := replica.protocol.Step(proposal)
	if err != nil {
		t.Fatal(err)
	}
	if again.Kind != ActionIgnore {
		t.Fatalf("stale proposal should be ignored, got %s", again.Kind)
	}

	//a stale deadline for the old round must not double-rotate
	stale, err := replica.protocol.OnTimeout(Round{Height: 1, View: 0})
	if err != nil {
		t.Fatal(err)
	}
	if stale.Kind != ActionIgnore {
		t.Fatal("stale timeout should be ignored")
	}
	if replica.protocol.CurrentRound().View != 1 {
		t.Fatalf("view should still be 1, not %d", replica.protocol.CurrentRound().View)
	}
}

func TestPBFTCertificateValidates(t *testing.T) {
	nodes := newTestNetwork(t, 4, "pbft")

	leader := leaderNode(t, nodes, 1, 0)
	followers := []*testNode{}
	for _, n := range nodes {
		if n != leader {
			followers = append(followers, n)
		}
	}

	digest := crypto.SHA256([]byte("block 1 payload"))
	block, err := leader.pipeline.BuildBlock(digest, 1, leader.key)
	if err != nil {
		t.Fatal(err)
	}

	action, err := leader.protocol.Propose(block)
	if err != nil {
		t.Fatal(err)
	}

	var prePrepare *Message
	for _, m := range action.Broadcast {
		if m.Kind == Proposal {
			prePrepare = m
		}
	}
	if prePrepare == nil {
		t.Fatal("Propose should broadcast the pre-prepare")
	}

	//each follower validates the pre-prepare and answers with a prepare vote
	prepares := []*Message{}
	for _, n := range followers {
		act, err := n.protocol.Step(prePrepare)
		if err != nil {
			t.Fatal(err)
		}
		prepares = append(prepares, n.handle(t, act)...)
	}
	if len(prepares) != 3 {
		t.Fatalf("expected 3 prepare votes, got %d", len(prepares))
	}

	//two follower prepares complete the leader's prepare quorum and trigger
	//its commit vote
	commits := []*Message{}
	for _, m := range prepares[:2] {
		act, err := leader.protocol.Step(m)
		if err != nil {
			t.Fatal(err)
		}
		commits = append(commits, leader.handle(t, act)...)
	}
	if len(commits) != 1 || commits[0].Kind != Commit {
		t.Fatalf("the leader should have voted to commit, got %v", commits)
	}

	//follower commit votes: give each follower the leader's prepare plus the
	//other followers' prepares, then collect its commit vote
	for _, n := range followers {
		for _, m := range prepares {
			if m.Sender == n.id {
				continue
			}
			act, err := n.protocol.Step(m)
			if err != nil {
				t.Fatal(err)
			}
			commits = append(commits, n.handle(t, act)...)
		}
	}

	//feed follower commits to the leader until it decides
	var decision *Action
	for _, m := range commits {
		if m.Sender == leader.id {
			continue
		}
		act, err := leader.protocol.Step(m)
		if err != nil {
			t.Fatal(err)
		}
		if act.Kind == ActionCommit {
			decision = act
			break
		}
	}

	if decision == nil {
		t.Fatal("the leader never reached a decision")
	}
	if decision.Certificate == nil {
		t.Fatal("a PBFT decision must carry a certificate")
	}
	if err := decision.Certificate.Validate(leader.protocol.Snapshot()); err != nil {
		t.Fatalf("certificate should validate: %v", err)
	}

	//a certificate stripped below quorum must fail
	trimmed := &QuorumCertificate{
		Round:     decision.Certificate.Round,
		BlockHash: decision.Certificate.BlockHash,
		Votes:     decision.Certificate.Votes[:1],
	}
	if err := trimmed.Validate(leader.protocol.Snapshot()); err == nil {
		t.Fatal("an under-weight certificate should not validate")
	}
}
