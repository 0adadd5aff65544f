package net

import (
	"reflect"
	"testing"
	"time"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
	cm "github.com/anusornc/provchain-org2-sub001/src/common"
	"github.com/anusornc/provchain-org2-sub001/src/consensus"
)

func testConsensusRequest() *ConsensusRequest {
	return &ConsensusRequest{
		FromID: 42,
		Message: &consensus.Message{
			Round:     consensus.Round{Height: 5, View: 1},
			Kind:      consensus.Prepare,
			BlockHash: []byte("somehash"),
			Sender:    "0Xdeadbeef",
		},
	}
}

func testFetchBlocksRequest() *FetchBlocksRequest {
	return &FetchBlocksRequest{
		FromID: 42,
		Start:  3,
		Limit:  10,
	}
}

// serveOne consumes a single RPC from the transport and responds with the
// given response object.
func serveOne(t *testing.T, trans Transport, resp interface{}) {
	t.Helper()
	select {
	case rpc := <-trans.Consumer():
		rpc.Respond(resp, nil)
	case <-time.After(500 * time.Millisecond):
		t.Error("timeout waiting for RPC")
	}
}

func TestInmemTransportConsensus(t *testing.T) {
	addr1, trans1 := NewInmemTransport("")
	defer trans1.Close()

	addr2, trans2 := NewInmemTransport("")
	defer trans2.Close()

	trans1.Connect(addr2, trans2)
	trans2.Connect(addr1, trans1)

	expected := &ConsensusResponse{FromID: 7}

	go serveOne(t, trans2, expected)

	var resp ConsensusResponse
	if err := trans1.Consensus(addr2, testConsensusRequest(), &resp); err != nil {
		t.Fatal(err)
	}

	if resp.FromID != expected.FromID {
		t.Fatalf("FromID should be %d, not %d", expected.FromID, resp.FromID)
	}
}

func TestInmemTransportDisconnected(t *testing.T) {
	_, trans1 := NewInmemTransport("")
	defer trans1.Close()

	var resp ConsensusResponse
	if err := trans1.Consensus("nowhere", testConsensusRequest(), &resp); err == nil {
		t.Fatal("Consensus to unknown peer should fail")
	}
}

func TestTCPTransportBadAddr(t *testing.T) {
	_, err := NewTCPTransport("0.0.0.0:0", "", 2, time.Second, cm.NewTestEntry(t))
	if err != errNotAdvertisable {
		t.Fatalf("err should be errNotAdvertisable, not %v", err)
	}
}

func TestTCPTransportConsensus(t *testing.T) {
	trans1, err := NewTCPTransport("127.0.0.1:0", "", 2, time.Second, cm.NewTestEntry(t))
	if err != nil {
		t.Fatal(err)
	}
	defer trans1.Close()
	go trans1.Listen()

	trans2, err := NewTCPTransport("127.0.0.1:0", "", 2, time.Second, cm.NewTestEntry(t))
	if err != nil {
		t.Fatal(err)
	}
	defer trans2.Close()
	go trans2.Listen()

	args := testConsensusRequest()
	expected := &ConsensusResponse{FromID: 7}

	go func() {
		select {
		case rpc := <-trans1.Consumer():
			req, ok := rpc.Command.(*ConsensusRequest)
			if !ok {
				t.Errorf("command should be a ConsensusRequest, not %T", rpc.Command)
			}
			if req.Message.Round != args.Message.Round {
				t.Errorf("round should be %v, not %v", args.Message.Round, req.Message.Round)
			}
			if req.Message.Kind != args.Message.Kind {
				t.Errorf("kind should be %v, not %v", args.Message.Kind, req.Message.Kind)
			}
			rpc.Respond(expected, nil)
		case <-time.After(time.Second):
			t.Error("timeout waiting for RPC")
		}
	}()

	var resp ConsensusResponse
	if err := trans2.Consensus(trans1.LocalAddr(), args, &resp); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(resp, *expected) {
		t.Fatalf("response should be %v, not %v", expected, resp)
	}
}

func TestTCPTransportFetchBlocks(t *testing.T) {
	trans1, err := NewTCPTransport("127.0.0.1:0", "", 2, time.Second, cm.NewTestEntry(t))
	if err != nil {
		t.Fatal(err)
	}
	defer trans1.Close()
	go trans1.Listen()

	trans2, err := NewTCPTransport("127.0.0.1:0", "", 2, time.Second, cm.NewTestEntry(t))
	if err != nil {
		t.Fatal(err)
	}
	defer trans2.Close()
	go trans2.Listen()

	genesis := chain.NewGenesisBlock([]byte("genesis"))

	expected := &FetchBlocksResponse{
		FromID: 7,
		Height: 1,
		Blocks: []*chain.Block{genesis},
	}

	go serveOne(t, trans1, expected)

	var resp FetchBlocksResponse
	if err := trans2.FetchBlocks(trans1.LocalAddr(), testFetchBlocksRequest(), &resp); err != nil {
		t.Fatal(err)
	}

	if resp.Height != expected.Height {
		t.Fatalf("height should be %d, not %d", expected.Height, resp.Height)
	}
	if len(resp.Blocks) != 1 {
		t.Fatalf("should have returned 1 block, not %d", len(resp.Blocks))
	}
	if resp.Blocks[0].Hex() != genesis.Hex() {
		t.Fatal("returned block hash does not match")
	}
}

func TestTCPTransportPooledConn(t *testing.T) {
	trans1, err := NewTCPTransport("127.0.0.1:0", "", 3, time.Second, cm.NewTestEntry(t))
	if err != nil {
		t.Fatal(err)
	}
	defer trans1.Close()
	go trans1.Listen()

	trans2, err := NewTCPTransport("127.0.0.1:0", "", 3, time.Second, cm.NewTestEntry(t))
	if err != nil {
		t.Fatal(err)
	}
	defer trans2.Close()
	go trans2.Listen()

	expected := &ConsensusResponse{FromID: 7}

	go func() {
		for i := 0; i < 5; i++ {
			select {
			case rpc := <-trans1.Consumer():
				rpc.Respond(expected, nil)
			case <-time.After(time.Second):
				t.Error("timeout waiting for RPC")
				return
			}
		}
	}()

	// Successive calls should reuse pooled connections
	for i := 0; i < 5; i++ {
		var resp ConsensusResponse
		if err := trans2.Consensus(trans1.LocalAddr(), testConsensusRequest(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.FromID != expected.FromID {
			t.Fatalf("FromID should be %d, not %d", expected.FromID, resp.FromID)
		}
	}
}
