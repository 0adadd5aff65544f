package inmem

import (
	"bytes"
	"testing"
	"time"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
	cm "github.com/anusornc/provchain-org2-sub001/src/common"
	"github.com/anusornc/provchain-org2-sub001/src/crypto"
)

func testBlock(t *testing.T, digest []byte) *chain.Block {
	genesis := chain.NewGenesisBlock(crypto.SHA256([]byte("genesis payload")))
	block, err := chain.NewBlock(genesis, digest, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	return block
}

func TestSubmitPayload(t *testing.T) {
	proxy := NewInmemProxy(cm.NewTestLogger(t))

	received := make(chan []byte, 1)
	go func() {
		received <- <-proxy.SubmitCh()
	}()

	data := []byte("sensor reading 42")
	digest := proxy.SubmitPayload(data)

	select {
	case got := <-received:
		if !bytes.Equal(got, digest) {
			t.Fatalf("submit channel should carry the digest, got %X", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for the submitted digest")
	}

	if !bytes.Equal(digest, crypto.SHA256([]byte("sensor reading 42"))) {
		t.Fatal("digest should be the SHA256 of the payload")
	}

	//the proxy must hold its own copy of the bytes
	data[0] = 'X'

	block := testBlock(t, digest)
	if err := proxy.CommitBlock(block); err != nil {
		t.Fatal(err)
	}

	payload, ok := proxy.GetPayload(digest)
	if !ok {
		t.Fatal("the committed payload should be retrievable")
	}
	if !bytes.Equal(payload, []byte("sensor reading 42")) {
		t.Fatalf("payload was mutated: %s", payload)
	}
}

func TestCommitBlockIdempotent(t *testing.T) {
	proxy := NewInmemProxy(cm.NewTestLogger(t))

	digest := crypto.SHA256([]byte("payload"))
	block := testBlock(t, digest)

	if err := proxy.CommitBlock(block); err != nil {
		t.Fatal(err)
	}
	if err := proxy.CommitBlock(block); err != nil {
		t.Fatal(err)
	}

	if len(proxy.CommittedDigests()) != 1 {
		t.Fatalf("reapplying a digest must be a no-op, got %d entries",
			len(proxy.CommittedDigests()))
	}
}

func TestCommitUnknownDigest(t *testing.T) {
	proxy := NewInmemProxy(cm.NewTestLogger(t))

	//replicas commit digests they never saw the raw payload for
	digest := crypto.SHA256([]byte("somebody else's payload"))
	block := testBlock(t, digest)

	if err := proxy.CommitBlock(block); err != nil {
		t.Fatal(err)
	}

	committed := proxy.CommittedDigests()
	if len(committed) != 1 || !bytes.Equal(committed[0], digest) {
		t.Fatal("the digest should be recorded as applied")
	}

	if _, ok := proxy.GetPayload(digest); ok {
		t.Fatal("there are no payload bytes to return")
	}
}
