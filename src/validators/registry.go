package validators

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/common"
)

// PendingChange is a staged validator-set mutation. Removals are applied
// before additions, so removing and re-adding the same key in one change
// reweights it.
type PendingChange struct {
	Additions       []*Validator `json:"additions"`
	Removals        []string     `json:"removals"`
	EffectiveHeight uint64       `json:"effectiveHeight"`
}

// Registry owns the validator set. Mutations are staged with StageChange and
// take effect only when the ledger head reaches their effective height, which
// must fall on an epoch boundary; this removes any mid-round ambiguity about
// who may vote. The current Snapshot is immutable; AdvanceTo swaps it.
type Registry struct {
	sync.RWMutex

	epochLength uint64
	current     *Snapshot
	pending     []*PendingChange

	logger *logrus.Entry
}

// NewRegistry creates a Registry from the genesis validator list, at epoch 0.
func NewRegistry(genesis []*Validator, epochLength uint64, logger *logrus.Entry) (*Registry, error) {
	if len(genesis) == 0 {
		return nil, fmt.Errorf("genesis validator list is empty")
	}

	if epochLength == 0 {
		return nil, fmt.Errorf("epoch length must be positive")
	}

	seen := map[string]bool{}
	vals := []*Validator{}
	for _, v := range genesis {
		if seen[v.PubKeyHex] {
			return nil, common.NewCoreErr("registry", common.DuplicateValidator, v.PubKeyHex)
		}
		if v.Weight == 0 {
			return nil, fmt.Errorf("validator %s has zero weight", v.Moniker)
		}
		seen[v.PubKeyHex] = true
		vals = append(vals, v.Copy())
	}

	return &Registry{
		epochLength: epochLength,
		current:     NewSnapshot(0, vals),
		logger:      logger.WithField("component", "registry"),
	}, nil
}

// Current returns the active Snapshot.
func (r *Registry) Current() *Snapshot {
	r.RLock()
	defer r.RUnlock()
	return r.current
}

// EpochLength ...
func (r *Registry) EpochLength() uint64 {
	return r.epochLength
}

// Pending returns a copy of the staged changes, ordered by effective height.
func (r *Registry) Pending() []*PendingChange {
	r.RLock()
	defer r.RUnlock()
	res := make([]*PendingChange, len(r.pending))
	copy(res, r.pending)
	return res
}

// StageChange validates and stages a set mutation taking effect at
// effectiveHeight. The height must be a future epoch boundary at or past
// every already-staged change. A change that would leave the surviving active
// weight below the current quorum threshold is rejected with
// InsufficientValidators and the prior set remains in force.
func (r *Registry) StageChange(additions []*Validator, removals []string, effectiveHeight uint64) error {
	r.Lock()
	defer r.Unlock()

	if effectiveHeight == 0 || effectiveHeight%r.epochLength != 0 {
		return fmt.Errorf("effective height %d is not an epoch boundary (epoch length %d)",
			effectiveHeight, r.epochLength)
	}

	for _, p := range r.pending {
		if effectiveHeight < p.EffectiveHeight {
			return fmt.Errorf("change at height %d staged after one at height %d",
				effectiveHeight, p.EffectiveHeight)
		}
	}

	change := &PendingChange{
		Additions:       additions,
		Removals:        removals,
		EffectiveHeight: effectiveHeight,
	}

	// Validate against the set as it will stand when this change applies.
	projected := r.current
	for _, p := range r.pending {
		projected = NewSnapshot(projected.Epoch+1, applyChange(projected, p))
	}

	removing := map[string]bool{}
	for _, pubKeyHex := range removals {
		if _, ok := projected.ByPubKey[pubKeyHex]; !ok {
			return fmt.Errorf("cannot remove unknown validator %s", pubKeyHex)
		}
		removing[pubKeyHex] = true
	}

	adding := map[string]bool{}
	for _, v := range additions {
		if v.Weight == 0 {
			return fmt.Errorf("validator %s has zero weight", v.Moniker)
		}
		_, exists := projected.ByPubKey[v.PubKeyHex]
		if adding[v.PubKeyHex] || (exists && !removing[v.PubKeyHex]) {
			return common.NewCoreErr("registry", common.DuplicateValidator, v.PubKeyHex)
		}
		adding[v.PubKeyHex] = true
	}

	post := NewSnapshot(projected.Epoch+1, applyChange(projected, change))
	if post.TotalWeight() < projected.QuorumThreshold() {
		return common.NewCoreErr("registry", common.InsufficientValidators,
			fmt.Sprintf("active weight %d below quorum threshold %d",
				post.TotalWeight(), projected.QuorumThreshold()))
	}

	r.pending = append(r.pending, change)
	sort.SliceStable(r.pending, func(i, j int) bool {
		return r.pending[i].EffectiveHeight < r.pending[j].EffectiveHeight
	})

	r.logger.WithFields(logrus.Fields{
		"effective_height": effectiveHeight,
		"additions":        len(additions),
		"removals":         len(removals),
	}).Debug("Staged validator-set change")

	return nil
}

// AdvanceTo applies every staged change whose effective height has been
// reached. It returns the resulting Snapshot and whether it changed. The
// caller invokes it under its own serialization after each commit, between
// rounds, so a round never spans an epoch flip.
func (r *Registry) AdvanceTo(height uint64) (*Snapshot, bool) {
	r.Lock()
	defer r.Unlock()

	applied := false
	for len(r.pending) > 0 && r.pending[0].EffectiveHeight <= height {
		change := r.pending[0]
		r.pending = r.pending[1:]

		r.current = NewSnapshot(r.current.Epoch+1, applyChange(r.current, change))
		applied = true

		r.logger.WithFields(logrus.Fields{
			"epoch":  r.current.Epoch,
			"height": height,
			"count":  r.current.Len(),
		}).Debug("Applied validator-set change")
	}

	return r.current, applied
}

// applyChange builds the validator list resulting from a change: removals
// first, then additions appended in order.
func applyChange(snap *Snapshot, change *PendingChange) []*Validator {
	removing := map[string]bool{}
	for _, pubKeyHex := range change.Removals {
		removing[pubKeyHex] = true
	}

	vals := []*Validator{}
	for _, v := range snap.Validators {
		if !removing[v.PubKeyHex] {
			vals = append(vals, v)
		}
	}

	for _, v := range change.Additions {
		vals = append(vals, v.Copy())
	}

	return vals
}
