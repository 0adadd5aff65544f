// Package keys implements the public key cryptography used throughout the
// node.
//
// Every validator owns a key-pair. The private key signs blocks and consensus
// votes; the public key, carried in the validator set, lets every other node
// verify them. Validators are identified by the hex string of their public
// key.
//
// The scheme is Ed25519. Signatures are a fixed 64 bytes and public keys 32
// bytes, which keeps the wire format of votes compact, and verification is
// cheap enough to run in parallel on incoming messages.
package keys
