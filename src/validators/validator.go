package validators

import (
	"fmt"

	"github.com/anusornc/provchain-org2-sub001/src/common"
)

// Validator is an authorized member of the consensus network. It is identified
// by the hex string of its Ed25519 public key. Weight only matters to PBFT
// quorum accounting; proof-of-authority rotation treats every active
// validator equally. Suspended validators stay in the set but take no part in
// leader rotation or quorums; the zero value is active, so JSON files only
// mention the flag to suspend.
type Validator struct {
	Moniker   string `json:"moniker"`
	NetAddr   string `json:"netAddr,omitempty"`
	PubKeyHex string `json:"pubKeyHex"`
	Weight    uint64 `json:"weight"`
	Suspended bool   `json:"suspended,omitempty"`

	id       uint32
	pubBytes []byte
}

// NewValidator returns an active Validator with the given weight.
func NewValidator(pubKeyHex string, moniker string, weight uint64) *Validator {
	return &Validator{
		Moniker:   moniker,
		PubKeyHex: pubKeyHex,
		Weight:    weight,
	}
}

// WithNetAddr sets the address other validators dial to reach this one.
func (v *Validator) WithNetAddr(netAddr string) *Validator {
	v.NetAddr = netAddr
	return v
}

// IsActive says whether the validator takes part in consensus.
func (v *Validator) IsActive() bool {
	return !v.Suspended
}

// ID returns a short numeric ID derived from the public key. It is used in
// logs and maps, never for authorization.
func (v *Validator) ID() uint32 {
	if v.id == 0 {
		pubBytes, err := v.PubKeyBytes()
		if err != nil {
			return 0
		}
		v.id = common.Hash32(pubBytes)
	}
	return v.id
}

// PubKeyBytes returns the decoded public key.
func (v *Validator) PubKeyBytes() ([]byte, error) {
	if len(v.pubBytes) == 0 {
		pubBytes, err := common.DecodeFromString(v.PubKeyHex)
		if err != nil {
			return nil, err
		}
		v.pubBytes = pubBytes
	}
	return v.pubBytes, nil
}

// Copy returns a copy of the validator without the cached derived values.
func (v *Validator) Copy() *Validator {
	return &Validator{
		Moniker:   v.Moniker,
		NetAddr:   v.NetAddr,
		PubKeyHex: v.PubKeyHex,
		Weight:    v.Weight,
		Suspended: v.Suspended,
	}
}

// String ...
func (v *Validator) String() string {
	return fmt.Sprintf("%s (%d, w=%d)", v.Moniker, v.ID(), v.Weight)
}
