// Package net implements the message gateway between validators.
//
// The gateway delivers two RPCs: Consensus, which carries a signed proposal
// or vote message, and FetchBlocks, which serves committed blocks to a node
// catching up after falling behind. Nothing is assumed of the transport:
// messages may be duplicated, reordered, or delayed, and the consensus layer
// is built to tolerate all three.
//
// Transport is the interface; implementations are InmemTransport (tests) and
// NetworkTransport over a stream layer, either plain TCP (the default) or
// WebRTC with WAMP signaling for validators behind NAT.
//
// Each RPC request is framed by a single byte indicating the message type,
// followed by the JSON-encoded request. The response is an error string
// followed by the response object.
package net
