// Package config defines the configuration for a validator node.
//
// Regardless of how the node is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object
// defined in this package to store and forward configuration options. On top
// of these options, the node relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional files:
//
//	priv_key // a plain text file containing the raw private key (cf. provchain keygen).
//	validators.json // a JSON file containing the current validator set.
//	validators.genesis.json // (optional, defaults to validators.json) the genesis validator set.
//	cert.pem // (optional) an x509 certificate for the WebRTC signaling server.
package config
