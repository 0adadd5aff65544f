package net

// Transport provides an interface for network transports to allow a node to
// exchange consensus messages with other validators.
type Transport interface {

	// Listen starts the transport listening.
	Listen()

	// Consumer returns a channel that can be used to consume and respond to
	// RPC requests.
	Consumer() <-chan RPC

	// LocalAddr is used to return our local address.
	LocalAddr() string

	// AdvertiseAddr is used to return our advertise address where other
	// validators can reach us.
	AdvertiseAddr() string

	// Consensus sends a signed proposal or vote message to the target
	// validator.
	Consensus(target string, args *ConsensusRequest, resp *ConsensusResponse) error

	// FetchBlocks requests committed blocks from the target validator.
	FetchBlocks(target string, args *FetchBlocksRequest, resp *FetchBlocksResponse) error

	// Close permanently closes a transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}
