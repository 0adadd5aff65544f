// Package node glues the consensus protocol, the block pipeline, the
// transport, and the payload layer into a running validator. The node owns
// the single lock that serializes every call into the protocol; transports
// and proxies feed it through channels, and a control timer ticks its
// heartbeats and round deadlines.
package node
