package net

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/datachannel"
	webrtc "github.com/pion/webrtc/v2"
	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/net/signal"
)

// WebRTCStreamLayer implements the StreamLayer interface for WebRTC. Peers
// are addressed by their signal IDs (validator public keys), not IP
// addresses, so validators behind NAT can form a full mesh through the
// signaling server.
type WebRTCStreamLayer struct {
	sync.Mutex
	peerConnections        map[string]*webrtc.PeerConnection
	dataChannels           map[uint16]datachannel.ReadWriteCloser
	signal                 signal.Signal
	iceServers             []webrtc.ICEServer
	incomingConnAggregator chan net.Conn
	logger                 *logrus.Entry
}

// NewWebRTCStreamLayer instantiates a new WebRTCStreamLayer.
func NewWebRTCStreamLayer(
	signal signal.Signal,
	iceServers []webrtc.ICEServer,
	logger *logrus.Entry,
) *WebRTCStreamLayer {
	return &WebRTCStreamLayer{
		peerConnections:        make(map[string]*webrtc.PeerConnection),
		dataChannels:           make(map[uint16]datachannel.ReadWriteCloser),
		signal:                 signal,
		iceServers:             iceServers,
		incomingConnAggregator: make(chan net.Conn),
		logger:                 logger,
	}
}

// Listen receives SDP offers from the signal, creates corresponding
// PeerConnections, and responds. The PeerConnection's DataChannel is piped
// into the connection aggregator.
func (w *WebRTCStreamLayer) listen() error {
	// Start the Signal listener
	go w.signal.Listen()

	consumer := w.signal.Consumer()

	// Process incoming offers
	for offerPromise := range consumer {
		w.logger.Debug("WebRTCStreamLayer processing offer")

		peerConnection, err := w.newPeerConnection(w.incomingConnAggregator, false)
		if err != nil {
			return err
		}

		// Set the remote SessionDescription
		if err := peerConnection.SetRemoteDescription(offerPromise.Offer); err != nil {
			return err
		}

		// Create answer
		answer, err := peerConnection.CreateAnswer(nil)
		if err != nil {
			return err
		}

		// Sets the LocalDescription, and starts our UDP listeners
		if err := peerConnection.SetLocalDescription(answer); err != nil {
			return err
		}

		offerPromise.Respond(&answer, nil)

		w.Lock()
		w.peerConnections[offerPromise.From] = peerConnection
		w.Unlock()
	}

	return nil
}

// newPeerConnection creates a PeerConnection and pipes corresponding
// DataChannel connections into the provided channel. Set createDataChannel
// to true when actively creating a PeerConnection (you are making the
// offer); otherwise we just bind to the OnDataChannel handler.
func (w *WebRTCStreamLayer) newPeerConnection(connCh chan net.Conn, createDataChannel bool) (*webrtc.PeerConnection, error) {
	// Create a SettingEngine and enable Detach
	s := webrtc.SettingEngine{}
	s.DetachDataChannels()

	// Create an API object with the engine
	api := webrtc.NewAPI(webrtc.WithSettingEngine(s))

	config := webrtc.Configuration{
		ICEServers: w.iceServers,
	}

	// Create a new RTCPeerConnection using the API object
	peerConnection, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}

	peerConnection.OnICEConnectionStateChange(func(connectionState webrtc.ICEConnectionState) {
		w.logger.WithField("state", connectionState.String()).Debug("ICE connection state changed")
	})

	if createDataChannel {
		dataChannel, err := peerConnection.CreateDataChannel("data", nil)
		if err != nil {
			return nil, err
		}

		w.pipeDataChannel(dataChannel, connCh)
	} else {
		peerConnection.OnDataChannel(func(d *webrtc.DataChannel) {
			w.pipeDataChannel(d, connCh)
		})
	}

	return peerConnection, nil
}

func (w *WebRTCStreamLayer) pipeDataChannel(dataChannel *webrtc.DataChannel, connCh chan net.Conn) {
	// Register channel opening handling
	dataChannel.OnOpen(func() {
		// Detach the data channel
		raw, err := dataChannel.Detach()
		if err != nil {
			w.logger.WithError(err).Error("Error detaching DataChannel")
			return
		}

		w.Lock()
		w.dataChannels[*dataChannel.ID()] = raw
		w.Unlock()

		connCh <- NewWebRTCConn(raw)
	})
}

// Dial implements the StreamLayer interface. It creates a PeerConnection
// with a fresh DataChannel, negotiates SDP through the signal, and returns a
// net.Conn wrapping the detached datachannel.
func (w *WebRTCStreamLayer) Dial(target string, timeout time.Duration) (net.Conn, error) {
	// connCh receives the net.Conn asynchronously when the DataChannel's
	// OnOpen callback fires.
	connCh := make(chan net.Conn)

	pc, err := w.newPeerConnection(connCh, true)
	if err != nil {
		return nil, err
	}

	// Create an offer to send to the signaling system
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}

	// Sets the LocalDescription, and starts our UDP listeners
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}

	// Synchronous offer/answer RPC request through the signal to exchange
	// SDP information.
	answer, err := w.signal.Offer(target, offer)
	if err != nil {
		return nil, err
	}

	if answer == nil {
		return nil, fmt.Errorf("no answer")
	}

	// Apply the answer as the remote description
	if err := pc.SetRemoteDescription(*answer); err != nil {
		return nil, err
	}

	w.Lock()
	w.peerConnections[target] = pc
	w.Unlock()

	// Wait for DataChannel opening
	timer := time.After(timeout)
	select {
	case <-timer:
		return nil, fmt.Errorf("dial timeout")
	case conn := <-connCh:
		return conn, nil
	}
}

// Accept consumes the incoming connection aggregator fed by the listen
// routine. It aggregates the connections from all DataChannels formed with
// PeerConnections.
func (w *WebRTCStreamLayer) Accept() (c net.Conn, err error) {
	nextConn := <-w.incomingConnAggregator
	return nextConn, nil
}

// Close implements the net.Listener interface. It closes the Signal and all
// the PeerConnections.
func (w *WebRTCStreamLayer) Close() (err error) {
	// Close the connection to the signal server
	w.signal.Close()

	w.Lock()
	defer w.Unlock()

	// Close all peer connections
	for _, pc := range w.peerConnections {
		pc.Close()
	}

	// Close all data channels
	for _, dc := range w.dataChannels {
		dc.Close()
	}
	return nil
}

// Addr implements the net.Listener interface.
func (w *WebRTCStreamLayer) Addr() net.Addr {
	return nil
}

// AdvertiseAddr implements the StreamLayer interface. WebRTC peers are
// addressed by signal ID.
func (w *WebRTCStreamLayer) AdvertiseAddr() string {
	return w.signal.ID()
}
