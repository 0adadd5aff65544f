package app

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
)

// SocketAppProxyClient is the client component of the SocketAppProxy. It
// calls the application's State service at commit time.
type SocketAppProxyClient struct {
	clientAddr string
	timeout    time.Duration
	logger     *logrus.Entry
	rpc        *rpc.Client
}

// NewSocketAppProxyClient creates a new SocketAppProxyClient.
func NewSocketAppProxyClient(clientAddr string, timeout time.Duration, logger *logrus.Entry) *SocketAppProxyClient {
	return &SocketAppProxyClient{
		clientAddr: clientAddr,
		timeout:    timeout,
		logger:     logger,
	}
}

func (p *SocketAppProxyClient) getConnection() error {
	if p.rpc == nil {
		conn, err := net.DialTimeout("tcp", p.clientAddr, p.timeout)
		if err != nil {
			return err
		}

		p.rpc = jsonrpc.NewClient(conn)
	}

	return nil
}

// CommitBlock calls State.CommitBlock on the application.
func (p *SocketAppProxyClient) CommitBlock(block *chain.Block) error {
	if err := p.getConnection(); err != nil {
		return err
	}

	var ack bool

	if err := p.rpc.Call("State.CommitBlock", block, &ack); err != nil {
		p.rpc = nil
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"block": block.Index(),
		"ack":   ack,
	}).Debug("AppProxyClient.CommitBlock")

	return nil
}
