package net

import (
	"time"

	webrtc "github.com/pion/webrtc/v2"
	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/net/signal"
)

// NewWebRTCTransport returns a NetworkTransport that is built on top of a
// WebRTC StreamLayer. The signal is a mechanism for peers to exchange
// connection information prior to establishing a direct p2p link.
func NewWebRTCTransport(
	signal signal.Signal,
	iceServers []webrtc.ICEServer,
	maxPool int,
	timeout time.Duration,
	logger *logrus.Entry,
) (*NetworkTransport, error) {

	// Create stream
	stream := NewWebRTCStreamLayer(signal, iceServers, logger)

	go stream.listen()

	// Create the network transport
	trans := NewNetworkTransport(stream, maxPool, timeout, logger)
	return trans, nil
}
