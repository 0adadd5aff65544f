// Package app implements the node-side half of the socket payload bridge.
// It speaks JSON-RPC over TCP with an application process: the application
// submits raw payloads to the proxy's server component, and the proxy's
// client component calls back into the application at commit time.
package app

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
)

// SocketAppProxy implements the payload.Proxy interface over a pair of
// JSON-RPC/TCP connections.
type SocketAppProxy struct {
	clientAddress string
	bindAddress   string

	client *SocketAppProxyClient
	server *SocketAppProxyServer

	logger *logrus.Entry
}

// NewSocketAppProxy creates a SocketAppProxy that dials the application on
// clientAddr and accepts payload submissions on bindAddr.
func NewSocketAppProxy(clientAddr string, bindAddr string, timeout time.Duration, logger *logrus.Entry) (*SocketAppProxy, error) {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	client := NewSocketAppProxyClient(clientAddr, timeout, logger)

	server, err := NewSocketAppProxyServer(bindAddr, logger)
	if err != nil {
		return nil, err
	}

	proxy := &SocketAppProxy{
		clientAddress: clientAddr,
		bindAddress:   bindAddr,
		client:        client,
		server:        server,
		logger:        logger,
	}

	go proxy.server.listen()

	return proxy, nil
}

// SubmitCh returns the channel of pending payload digests.
func (p *SocketAppProxy) SubmitCh() chan []byte {
	return p.server.submitCh
}

// CommitBlock forwards the committed block to the application over RPC.
func (p *SocketAppProxy) CommitBlock(block *chain.Block) error {
	return p.client.CommitBlock(block)
}
