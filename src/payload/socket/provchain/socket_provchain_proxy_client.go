package provchain

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// SocketProvChainProxyClient submits payloads to the node.
type SocketProvChainProxyClient struct {
	nodeAddr string
	timeout  time.Duration
	rpc      *rpc.Client
}

// NewSocketProvChainProxyClient creates a new SocketProvChainProxyClient.
func NewSocketProvChainProxyClient(nodeAddr string, timeout time.Duration) *SocketProvChainProxyClient {
	return &SocketProvChainProxyClient{
		nodeAddr: nodeAddr,
		timeout:  timeout,
	}
}

func (p *SocketProvChainProxyClient) getConnection() error {
	if p.rpc == nil {
		conn, err := net.DialTimeout("tcp", p.nodeAddr, p.timeout)
		if err != nil {
			return err
		}

		p.rpc = jsonrpc.NewClient(conn)
	}

	return nil
}

// SubmitPayload calls ProvChain.SubmitPayload on the node and returns the
// resulting payload digest.
func (p *SocketProvChainProxyClient) SubmitPayload(data []byte) ([]byte, error) {
	if err := p.getConnection(); err != nil {
		return nil, err
	}

	var digest []byte

	if err := p.rpc.Call("ProvChain.SubmitPayload", data, &digest); err != nil {
		p.rpc = nil
		return nil, err
	}

	return digest, nil
}
