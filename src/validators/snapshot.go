package validators

import (
	"bytes"
	"encoding/json"

	"github.com/anusornc/provchain-org2-sub001/src/common"
	"github.com/anusornc/provchain-org2-sub001/src/crypto"
)

// Snapshot is an immutable, epoch-tagged view of the validator set. All
// consensus decisions for a round are taken against a single Snapshot, so a
// set change can never split a round. Epoch is a version counter bumped every
// time a staged change is applied; holders compare epochs to detect that
// their view went stale, instead of silently using it.
type Snapshot struct {
	Epoch      uint64       `json:"epoch"`
	Validators []*Validator `json:"validators"`

	ByPubKey map[string]*Validator `json:"-"`
	ByID     map[uint32]*Validator `json:"-"`

	//cached values
	active      []*Validator
	hash        []byte
	hex         string
	totalWeight *uint64
}

// NewSnapshot creates a Snapshot from an ordered list of Validators. The
// order is significant: leader rotation walks the active validators in this
// order.
func NewSnapshot(epoch uint64, vals []*Validator) *Snapshot {
	snapshot := &Snapshot{
		Epoch:    epoch,
		ByPubKey: make(map[string]*Validator),
		ByID:     make(map[uint32]*Validator),
	}

	for _, val := range vals {
		snapshot.ByPubKey[val.PubKeyHex] = val
		snapshot.ByID[val.ID()] = val
	}

	snapshot.Validators = vals

	return snapshot
}

// Active returns the ordered sub-list of active validators.
func (s *Snapshot) Active() []*Validator {
	if s.active == nil {
		active := []*Validator{}
		for _, v := range s.Validators {
			if v.IsActive() {
				active = append(active, v)
			}
		}
		s.active = active
	}
	return s.active
}

// ActiveCount ...
func (s *Snapshot) ActiveCount() int {
	return len(s.Active())
}

// Len returns the number of validators, active or not.
func (s *Snapshot) Len() int {
	return len(s.Validators)
}

// IsAuthorized says whether the public key belongs to an active validator.
func (s *Snapshot) IsAuthorized(pubKeyHex string) bool {
	v, ok := s.ByPubKey[pubKeyHex]
	return ok && v.IsActive()
}

// LeaderFor returns the leader for round (height, view): the active validator
// at position (height+view) mod activeCount. It is a pure function of the
// Snapshot and the round, so every node computes the same leader.
func (s *Snapshot) LeaderFor(height uint64, view uint64) *Validator {
	active := s.Active()
	if len(active) == 0 {
		return nil
	}
	return active[(height+view)%uint64(len(active))]
}

// TotalWeight is the sum of active validators' weights.
func (s *Snapshot) TotalWeight() uint64 {
	if s.totalWeight == nil {
		val := uint64(0)
		for _, v := range s.Active() {
			val += v.Weight
		}
		s.totalWeight = &val
	}
	return *s.totalWeight
}

// QuorumThreshold returns the minimum aggregate weight a PBFT quorum must
// reach: floor(2*totalWeight/3) + 1.
func (s *Snapshot) QuorumThreshold() uint64 {
	return 2*s.TotalWeight()/3 + 1
}

// FaultTolerance returns the maximum faulty weight f the active set
// tolerates, from totalWeight >= 3f+1.
func (s *Snapshot) FaultTolerance() uint64 {
	if s.TotalWeight() == 0 {
		return 0
	}
	return (s.TotalWeight() - 1) / 3
}

// Hash uniquely identifies the Snapshot. It chains (SHA256) the active
// validators' public keys together, one by one.
func (s *Snapshot) Hash() ([]byte, error) {
	if len(s.hash) == 0 {
		hash := []byte{}
		for _, v := range s.Active() {
			pk, err := v.PubKeyBytes()
			if err != nil {
				return nil, err
			}
			hash = crypto.SimpleHashFromTwoHashes(hash, pk)
		}
		s.hash = hash
	}
	return s.hash, nil
}

// Hex is the hexadecimal representation of Hash
func (s *Snapshot) Hex() string {
	if len(s.hex) == 0 {
		hash, _ := s.Hash()
		s.hex = common.EncodeToString(hash)
	}
	return s.hex
}

// Marshal marshals the snapshot's validator list
func (s *Snapshot) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(s.Validators); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
