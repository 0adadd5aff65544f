// Package signal defines the interface for WebRTC signaling mechanisms,
// which are used by validators to exchange connection metadata (SDP offers
// and answers) prior to establishing direct peer-to-peer links.
package signal

import (
	"github.com/pion/webrtc/v2"
)

// Signal is an interface for a mechanism that enables nodes to exchange SDP
// offers and answers. Nodes are identified by their public keys, so the
// signaling layer doubles as a directory for the validator mesh.
type Signal interface {
	// ID returns the identifier by which this node is addressable in the
	// signaling system.
	ID() string

	// Listen subscribes to incoming offers.
	Listen() error

	// Consumer returns the channel through which incoming offers are
	// received, wrapped in promises that carry a response mechanism.
	Consumer() <-chan OfferPromise

	// Offer sends an SDP offer to another node and waits for its answer.
	Offer(target string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)

	// Close tears down the connection to the signaling system.
	Close() error
}
