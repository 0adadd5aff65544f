package consensus

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Equivocation is proof that a validator issued two conflicting statements
// in the same round and phase. Both votes carry the offender's signature, so
// the record stands on its own for off-band governance action.
type Equivocation struct {
	Voter  string `json:"voter"`
	Round  Round  `json:"round"`
	Kind   Kind   `json:"kind"`
	First  *Vote  `json:"first"`
	Second *Vote  `json:"second"`
}

// key identifies the offending pair regardless of the order the two votes
// arrived in.
func (e *Equivocation) key() string {
	a := fmt.Sprintf("%X", e.First.BlockHash)
	b := fmt.Sprintf("%X", e.Second.BlockHash)
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%s|%s|%d|%s|%s", e.Round, e.Voter, e.Kind, a, b)
}

// Audit accumulates equivocation evidence for the life of the node. Each
// offending pair is recorded exactly once; redelivered conflicting votes do
// not produce duplicate records.
type Audit struct {
	sync.RWMutex
	records []*Equivocation
	seen    map[string]struct{}
	logger  *logrus.Entry
}

// NewAudit ...
func NewAudit(logger *logrus.Entry) *Audit {
	return &Audit{
		seen:   map[string]struct{}{},
		logger: logger,
	}
}

// Record stores the evidence unless the same pair was already recorded. It
// returns true when the record is new.
func (a *Audit) Record(e *Equivocation) bool {
	a.Lock()
	defer a.Unlock()

	k := e.key()
	if _, ok := a.seen[k]; ok {
		return false
	}
	a.seen[k] = struct{}{}
	a.records = append(a.records, e)

	a.logger.WithFields(logrus.Fields{
		"voter": e.Voter,
		"round": e.Round.String(),
		"kind":  e.Kind.String(),
	}).Warn("Equivocation recorded")

	return true
}

// Records returns a copy of the evidence collected so far.
func (a *Audit) Records() []*Equivocation {
	a.RLock()
	defer a.RUnlock()
	res := make([]*Equivocation, len(a.records))
	copy(res, a.records)
	return res
}

// Count ...
func (a *Audit) Count() int {
	a.RLock()
	defer a.RUnlock()
	return len(a.records)
}
