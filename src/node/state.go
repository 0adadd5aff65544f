package node

import (
	"sync"
	"sync/atomic"
)

// State captures the lifecycle of a validator node: Running, CatchingUp,
// Leaving, or Shutdown.
type State uint32

const (
	// Running is the normal state; the node takes part in consensus.
	Running State = iota
	// CatchingUp means the node detected a gap between its head and the
	// network and is fetching missing blocks.
	CatchingUp
	// Leaving means the node is stepping down gracefully.
	Leaving
	// Shutdown is the terminal state.
	Shutdown
)

// String ...
func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case CatchingUp:
		return "CatchingUp"
	case Leaving:
		return "Leaving"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// WGLIMIT is the maximum number of goroutines that can be launched through
// state.goFunc
const WGLIMIT = 20

type state struct {
	state   State
	wg      sync.WaitGroup
	wgCount int32
}

func (b *state) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *state) setState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// Start a goroutine and add it to waitgroup
func (b *state) goFunc(f func()) {
	tempWgCount := atomic.LoadInt32(&b.wgCount)
	if tempWgCount < WGLIMIT {
		b.wg.Add(1)
		atomic.AddInt32(&b.wgCount, 1)
		go func() {
			defer b.wg.Done()
			atomic.AddInt32(&b.wgCount, -1)
			f()
		}()
	}
}

func (b *state) waitRoutines() {
	b.wg.Wait()
}
