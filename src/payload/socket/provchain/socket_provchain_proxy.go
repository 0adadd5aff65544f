// Package provchain implements the application-side half of the socket
// payload bridge. An application embeds a SocketProvChainProxy to submit
// payloads to a remote validator node over JSON-RPC/TCP, and receives
// committed blocks back on a channel. The same wire contract can be
// implemented in any language.
package provchain

import (
	"time"

	"github.com/sirupsen/logrus"
)

// SocketProvChainProxy binds to a remote validator node over an RPC/TCP
// connection. It implements the handler for the commit requests sent by the
// node's SocketAppProxy, and submits payloads to the node via RPC requests.
type SocketProvChainProxy struct {
	nodeAddress string
	bindAddress string

	client *SocketProvChainProxyClient
	server *SocketProvChainProxyServer
}

// NewSocketProvChainProxy creates a SocketProvChainProxy that dials the node
// on nodeAddr and accepts commit callbacks on bindAddr.
func NewSocketProvChainProxy(
	nodeAddr string,
	bindAddr string,
	timeout time.Duration,
	logger *logrus.Entry,
) (*SocketProvChainProxy, error) {

	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	client := NewSocketProvChainProxyClient(nodeAddr, timeout)

	server, err := NewSocketProvChainProxyServer(bindAddr, timeout, logger)
	if err != nil {
		return nil, err
	}

	proxy := &SocketProvChainProxy{
		nodeAddress: nodeAddr,
		bindAddress: bindAddr,
		client:      client,
		server:      server,
	}

	go proxy.server.listen()

	return proxy, nil
}

// SubmitPayload submits raw payload bytes to the node and returns the digest
// under which the payload will eventually be committed.
func (p *SocketProvChainProxy) SubmitPayload(data []byte) ([]byte, error) {
	return p.client.SubmitPayload(data)
}

// CommitCh returns the channel of commit requests coming from the node.
func (p *SocketProvChainProxy) CommitCh() chan Commit {
	return p.server.commitCh
}
