// Package wamp implements a WebRTC signaling system using RPC over
// WebSockets.
//
// This package contains a WAMP server that relays RPC requests between
// connected clients, and a client which implements the Signal interface and
// which can be used to instantiate a WebRTC stream layer.
//
// When WebRTC is enabled in the configuration and a cert.pem file is found
// in the data directory, the certificate is passed to the signal client so
// that self-signed server certificates can be trusted directly. There is
// also an option to skip certificate verification, but this should only be
// used for testing.
package wamp

const (
	// ErrProcessingOffer indicates that the client who received the offer
	// ran into an error while processing it.
	ErrProcessingOffer = "io.provchain.processing_offer"
)
