package provchain

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
)

// Commit is a request from the node to apply a committed block. The
// application must call Respond when it is done.
type Commit struct {
	Block    *chain.Block
	RespChan chan<- CommitResponse
}

// Respond reports the outcome of applying the block.
func (c *Commit) Respond(err error) {
	c.RespChan <- CommitResponse{Error: err}
}

// CommitResponse ...
type CommitResponse struct {
	Error error
}

// SocketProvChainProxyServer receives commit callbacks from the node.
type SocketProvChainProxyServer struct {
	netListener *net.Listener
	rpcServer   *rpc.Server
	commitCh    chan Commit
	timeout     time.Duration
	logger      *logrus.Entry
}

// NewSocketProvChainProxyServer creates a new SocketProvChainProxyServer.
func NewSocketProvChainProxyServer(
	bindAddress string,
	timeout time.Duration,
	logger *logrus.Entry,
) (*SocketProvChainProxyServer, error) {

	server := &SocketProvChainProxyServer{
		commitCh: make(chan Commit),
		timeout:  timeout,
		logger:   logger,
	}

	if err := server.register(bindAddress); err != nil {
		return nil, err
	}

	return server, nil
}

func (p *SocketProvChainProxyServer) register(bindAddress string) error {
	rpcServer := rpc.NewServer()

	rpcServer.RegisterName("State", p)

	p.rpcServer = rpcServer

	l, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return err
	}

	p.netListener = &l

	return nil
}

func (p *SocketProvChainProxyServer) listen() error {
	for {
		conn, err := (*p.netListener).Accept()
		if err != nil {
			return err
		}

		go (*p.rpcServer).ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// CommitBlock hands the block to the application and waits for it to be
// applied.
func (p *SocketProvChainProxyServer) CommitBlock(block *chain.Block, ack *bool) (err error) {
	respCh := make(chan CommitResponse)

	p.commitCh <- Commit{
		Block:    block,
		RespChan: respCh,
	}

	select {
	case commitResp := <-respCh:
		*ack = commitResp.Error == nil
		err = commitResp.Error

	case <-time.After(p.timeout):
		err = fmt.Errorf("command timed out")
	}

	p.logger.WithFields(logrus.Fields{
		"block": block.Index(),
		"err":   err,
	}).Debug("ProvChainProxyServer.CommitBlock")

	return
}
