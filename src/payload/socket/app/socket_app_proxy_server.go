package app

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"

	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/crypto"
)

// SocketAppProxyServer is the server component of the SocketAppProxy. It
// accepts payload submissions from the application, hashes them into
// digests, and pushes the digests into the submit channel.
type SocketAppProxyServer struct {
	netListener *net.Listener
	rpcServer   *rpc.Server
	submitCh    chan []byte
	logger      *logrus.Entry
}

// NewSocketAppProxyServer creates a new SocketAppProxyServer.
func NewSocketAppProxyServer(bindAddress string, logger *logrus.Entry) (*SocketAppProxyServer, error) {
	server := &SocketAppProxyServer{
		submitCh: make(chan []byte),
		logger:   logger,
	}

	if err := server.register(bindAddress); err != nil {
		return nil, err
	}

	return server, nil
}

func (p *SocketAppProxyServer) register(bindAddress string) error {
	rpcServer := rpc.NewServer()

	rpcServer.RegisterName("ProvChain", p)

	p.rpcServer = rpcServer

	l, err := net.Listen("tcp", bindAddress)
	if err != nil {
		p.logger.WithField("error", err).Error("Failed to listen")
		return err
	}

	p.netListener = &l

	return nil
}

func (p *SocketAppProxyServer) listen() {
	for {
		conn, err := (*p.netListener).Accept()
		if err != nil {
			p.logger.WithField("error", err).Error("Failed to accept")
			return
		}

		go (*p.rpcServer).ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// SubmitPayload hashes the raw payload into a digest, queues the digest for
// inclusion in a block, and returns the digest to the caller. The raw bytes
// stay with the application; the consensus core only ever sees the digest.
func (p *SocketAppProxyServer) SubmitPayload(data []byte, digest *[]byte) error {
	d := crypto.SHA256(data)

	p.logger.WithField("digest", len(d)).Debug("SubmitPayload")

	p.submitCh <- d

	*digest = d

	return nil
}
