package common

import "fmt"

// CoreErrType classifies consensus and ledger failures.
type CoreErrType uint32

const (
	// Malformed indicates a block that fails structural checks.
	Malformed CoreErrType = iota
	// BadSignature indicates a signature that does not verify.
	BadSignature
	// UnauthorizedProposer indicates a proposal from a non-leader, or a block
	// lacking a valid quorum certificate.
	UnauthorizedProposer
	// StateApplicationFailed indicates a payload digest the payload layer
	// refused to apply.
	StateApplicationFailed
	// HeightConflict indicates an append at a height the ledger already
	// passed.
	HeightConflict
	// Equivocation indicates two differing votes from one validator in the
	// same round and phase.
	Equivocation
	// InsufficientValidators indicates an epoch change that would leave the
	// active set below the quorum threshold.
	InsufficientValidators
	// QuorumTimeout indicates a round that expired before gathering a quorum.
	QuorumTimeout
	// DuplicateValidator indicates an attempt to register an identity twice.
	DuplicateValidator
)

var coreErrMessages = map[CoreErrType]string{
	Malformed:              "Malformed",
	BadSignature:           "Bad Signature",
	UnauthorizedProposer:   "Unauthorized Proposer",
	StateApplicationFailed: "State Application Failed",
	HeightConflict:         "Height Conflict",
	Equivocation:           "Equivocation",
	InsufficientValidators: "Insufficient Validators",
	QuorumTimeout:          "Quorum Timeout",
	DuplicateValidator:     "Duplicate Validator",
}

// CoreErr is the error type produced by the consensus protocols, the block
// pipeline, and the ledger. The component identifies the producer, detail
// carries free-form context (height, round, validator).
type CoreErr struct {
	component string
	errType   CoreErrType
	detail    string
}

// NewCoreErr ...
func NewCoreErr(component string, errType CoreErrType, detail string) CoreErr {
	return CoreErr{
		component: component,
		errType:   errType,
		detail:    detail,
	}
}

// Error ...
func (e CoreErr) Error() string {
	return fmt.Sprintf("%s, %s, %s", e.component, e.detail, coreErrMessages[e.errType])
}

// Type exposes the error class for callers that branch on it.
func (e CoreErr) Type() CoreErrType {
	return e.errType
}

// IsCore checks that an error is a CoreErr of the given class.
func IsCore(err error, t CoreErrType) bool {
	coreErr, ok := err.(CoreErr)
	return ok && coreErr.errType == t
}
