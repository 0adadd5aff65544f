package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
	cm "github.com/anusornc/provchain-org2-sub001/src/common"
	"github.com/anusornc/provchain-org2-sub001/src/consensus"
	"github.com/anusornc/provchain-org2-sub001/src/net"
	"github.com/anusornc/provchain-org2-sub001/src/payload"
	"github.com/anusornc/provchain-org2-sub001/src/validators"
)

// Node is a running validator. It drives the consensus core from three
// sources: consensus RPCs from other validators, payload digests from the
// payload layer, and ticks from the control timer. All three converge on
// coreLock, which serializes every decision.
type Node struct {
	state

	conf *Config

	validator *Validator

	core     *Core
	coreLock sync.Mutex

	trans net.Transport

	proxy payload.Proxy

	controlTimer *ControlTimer

	// roundDeadline is the wall-clock instant at which the current round
	// times out. Guarded by coreLock.
	roundDeadline time.Time

	// roundStart feeds the commit latency histogram. Guarded by coreLock.
	roundStart time.Time

	metrics *metrics

	start time.Time

	shutdownCh chan struct{}

	logger *logrus.Entry
}

// NewNode instantiates a Node from its components. The protocol is selected
// by name, "poa" or "pbft".
func NewNode(
	conf *Config,
	validator *Validator,
	registry *validators.Registry,
	store chain.Store,
	proxy payload.Proxy,
	trans net.Transport,
	protocolName string,
) (*Node, error) {

	logger := conf.Logger.WithField("this_id", validator.ID())

	pipeline := consensus.NewPipeline(store, proxy, registry, logger)

	protocol, err := consensus.New(
		protocolName,
		pipeline,
		validator.Key,
		conf.RoundTimeout,
		logger,
	)
	if err != nil {
		return nil, err
	}

	node := &Node{
		conf:         conf,
		validator:    validator,
		core:         NewCore(validator, protocol, pipeline, logger),
		trans:        trans,
		proxy:        proxy,
		controlTimer: NewRandomControlTimer(),
		metrics:      newMetrics(),
		shutdownCh:   make(chan struct{}),
		logger:       logger,
	}

	node.metrics.height.Set(float64(store.Height()))

	return node, nil
}

// Init arms the round deadline and sets the initial state.
func (n *Node) Init() error {
	n.coreLock.Lock()
	now := time.Now()
	n.start = now
	n.roundStart = now
	n.roundDeadline = now.Add(n.core.Deadline())
	n.coreLock.Unlock()

	n.setState(Running)

	n.logger.WithFields(logrus.Fields{
		"protocol": n.core.Protocol().Name(),
		"height":   n.core.Store().Height(),
		"moniker":  n.validator.Moniker,
	}).Info("Node initialised")

	return nil
}

// Run invokes the main loop. The node processes events until Shutdown is
// called.
func (n *Node) Run() {
	go n.controlTimer.Run(n.conf.HeartbeatTimeout)

	go n.trans.Listen()

	n.goFunc(n.doBackgroundWork)

	for {
		switch n.getState() {
		case Running:
			n.running()
		case CatchingUp:
			n.fastForward()
		case Leaving, Shutdown:
			return
		}
	}
}

// doBackgroundWork feeds transport RPCs and payload digests into the core.
func (n *Node) doBackgroundWork() {
	for {
		select {
		case rpc := <-n.trans.Consumer():
			n.processRPC(rpc)
		case digest := <-n.proxy.SubmitCh():
			n.logger.Debug("Payload digest submitted")
			n.coreLock.Lock()
			n.core.AddDigest(digest)
			n.coreLock.Unlock()
		case <-n.shutdownCh:
			return
		}
	}
}

// running processes one control timer tick.
func (n *Node) running() {
	select {
	case <-n.controlTimer.tickCh:
		n.tick()
		n.controlTimer.resetCh <- n.conf.HeartbeatTimeout
	case <-n.shutdownCh:
		return
	}
}

// tick checks the round deadline and attempts a proposal.
func (n *Node) tick() {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	if time.Now().After(n.roundDeadline) {
		round := n.core.Protocol().CurrentRound()
		action, err := n.core.OnTimeout(round)
		if err != nil {
			n.logger.WithError(err).Debug("OnTimeout")
		}
		n.executeAction(action)
	}

	action, err := n.core.TryPropose()
	if err != nil {
		n.logger.WithError(err).Debug("TryPropose")
	}
	n.executeAction(action)
}

// executeAction carries out the effects requested by a protocol step. It
// must be called with coreLock held.
func (n *Node) executeAction(a *consensus.Action) {
	if a == nil {
		return
	}

	// Votes and proposals go out before any local follow-up work.
	n.broadcast(a.Broadcast)

	switch a.Kind {
	case consensus.ActionIgnore:

	case consensus.ActionRequestValidation:
		next, err := n.core.Validate(a.Block, a.Certificate)
		if err != nil {
			if cm.IsStore(err, cm.SkippedIndex) {
				n.logger.WithError(err).Debug("Candidate ahead of head, catching up")
				n.setState(CatchingUp)
				return
			}
			n.logger.WithError(err).Debug("Candidate rejected")
			return
		}
		n.executeAction(next)

	case consensus.ActionCommit:
		if err := n.core.Commit(a.Block); err != nil {
			n.logger.WithError(err).Error("Commit failed")
			return
		}
		now := time.Now()
		n.metrics.blocksCommitted.Inc()
		n.metrics.height.Set(float64(n.core.Store().Height()))
		n.metrics.commitLatency.Observe(now.Sub(n.roundStart).Seconds())
		n.metrics.equivocations.Set(float64(len(n.core.Protocol().Evidence())))
		n.roundStart = now
		n.roundDeadline = now.Add(n.core.Deadline())

	case consensus.ActionViewChange:
		n.metrics.viewChanges.Inc()
		n.roundDeadline = time.Now().Add(n.core.Deadline())
	}
}

// broadcast sends messages to every other active validator. Sends are
// parallel and best-effort; consensus tolerates lost messages through
// timeouts and catch-up.
func (n *Node) broadcast(msgs []*consensus.Message) {
	if len(msgs) == 0 {
		return
	}

	self := n.validator.PublicKeyHex()

	for _, v := range n.core.Protocol().Snapshot().Active() {
		if v.PubKeyHex == self {
			continue
		}

		addr := v.NetAddr
		if addr == "" {
			addr = v.PubKeyHex
		}

		for _, msg := range msgs {
			go func(addr string, msg *consensus.Message) {
				req := &net.ConsensusRequest{
					FromID:  n.validator.ID(),
					Message: msg,
				}
				var resp net.ConsensusResponse
				if err := n.trans.Consensus(addr, req, &resp); err != nil {
					n.logger.WithFields(logrus.Fields{
						"target": addr,
						"error":  err,
					}).Debug("Broadcast failed")
				}
			}(addr, msg)
		}
	}
}

// processRPC dispatches a transport request.
func (n *Node) processRPC(rpc net.RPC) {
	switch cmd := rpc.Command.(type) {
	case *net.ConsensusRequest:
		n.processConsensusRequest(rpc, cmd)
	case *net.FetchBlocksRequest:
		n.processFetchBlocksRequest(rpc, cmd)
	default:
		n.logger.WithField("command", cmd).Error("Unexpected RPC command")
		rpc.Respond(nil, fmt.Errorf("unexpected command"))
	}
}

func (n *Node) processConsensusRequest(rpc net.RPC, cmd *net.ConsensusRequest) {
	resp := &net.ConsensusResponse{FromID: n.validator.ID()}

	msg := cmd.Message
	if msg == nil {
		rpc.Respond(resp, fmt.Errorf("empty consensus request"))
		return
	}

	// Signature checks run outside the core lock.
	if !msg.Verify() {
		rpc.Respond(resp, fmt.Errorf("bad message signature from %d", cmd.FromID))
		return
	}

	n.coreLock.Lock()

	if !n.core.Protocol().Snapshot().IsAuthorized(msg.Sender) {
		n.coreLock.Unlock()
		rpc.Respond(resp, fmt.Errorf("sender not in active validator set"))
		return
	}

	action, err := n.core.Step(msg)
	if err != nil {
		if cm.IsStore(err, cm.SkippedIndex) {
			n.logger.WithError(err).Debug("Message ahead of head, catching up")
			n.setState(CatchingUp)
		} else {
			n.logger.WithError(err).Debug("Message rejected")
		}
	}
	n.executeAction(action)

	n.coreLock.Unlock()

	rpc.Respond(resp, nil)
}

func (n *Node) processFetchBlocksRequest(rpc net.RPC, cmd *net.FetchBlocksRequest) {
	resp := &net.FetchBlocksResponse{FromID: n.validator.ID()}

	limit := cmd.Limit
	if limit <= 0 || limit > n.conf.SyncLimit {
		limit = n.conf.SyncLimit
	}

	blocks, err := n.core.Store().GetFrom(cmd.Start, limit)
	if err != nil {
		rpc.Respond(resp, err)
		return
	}

	resp.Height = n.core.Store().Height()
	resp.Blocks = blocks

	n.logger.WithFields(logrus.Fields{
		"from_id": cmd.FromID,
		"start":   cmd.Start,
		"count":   len(blocks),
	}).Debug("Responding to FetchBlocksRequest")

	rpc.Respond(resp, nil)
}

// fastForward fetches missing blocks from other validators until the local
// head reaches the network height.
func (n *Node) fastForward() {
	n.logger.Debug("Catching up")

	self := n.validator.PublicKeyHex()

	n.coreLock.Lock()
	active := n.core.Protocol().Snapshot().Active()
	n.coreLock.Unlock()

	for _, v := range active {
		if v.PubKeyHex == self {
			continue
		}

		addr := v.NetAddr
		if addr == "" {
			addr = v.PubKeyHex
		}

		req := &net.FetchBlocksRequest{
			FromID: n.validator.ID(),
			Start:  n.core.Store().Height() + 1,
			Limit:  n.conf.SyncLimit,
		}
		var resp net.FetchBlocksResponse
		if err := n.trans.FetchBlocks(addr, req, &resp); err != nil {
			n.logger.WithFields(logrus.Fields{
				"target": addr,
				"error":  err,
			}).Debug("FetchBlocks failed")
			continue
		}

		n.coreLock.Lock()
		for _, b := range resp.Blocks {
			if err := n.core.CommitSync(b); err != nil {
				n.logger.WithError(err).Error("CommitSync failed")
				break
			}
			n.metrics.blocksCommitted.Inc()
		}
		n.metrics.height.Set(float64(n.core.Store().Height()))
		caughtUp := n.core.Store().Height() >= resp.Height
		n.coreLock.Unlock()

		if caughtUp {
			break
		}
	}

	n.coreLock.Lock()
	now := time.Now()
	n.roundStart = now
	n.roundDeadline = now.Add(n.core.Deadline())
	n.coreLock.Unlock()

	n.setState(Running)
}

// Shutdown stops the node and releases its resources. It is idempotent.
func (n *Node) Shutdown() {
	if n.getState() == Shutdown {
		return
	}

	n.logger.Info("Shutdown")

	n.setState(Shutdown)

	close(n.shutdownCh)

	n.controlTimer.Shutdown()

	n.waitRoutines()

	n.trans.Close()

	if err := n.core.Store().Close(); err != nil {
		n.logger.WithError(err).Error("Closing store")
	}
}

/*******************************************************************************
* Inspection surface, used by the status service                               *
*******************************************************************************/

// ID returns the numeric identifier of this validator.
func (n *Node) ID() uint32 {
	return n.validator.ID()
}

// Moniker returns the friendly name of this validator.
func (n *Node) Moniker() string {
	return n.validator.Moniker
}

// GetState returns the node's lifecycle state.
func (n *Node) GetState() State {
	return n.getState()
}

// GetStats merges node counters with protocol counters.
func (n *Node) GetStats() map[string]string {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	stats := n.core.Protocol().Stats()

	stats["id"] = fmt.Sprint(n.validator.ID())
	stats["moniker"] = n.validator.Moniker
	stats["state"] = n.getState().String()
	stats["height"] = fmt.Sprint(n.core.Store().Height())
	stats["last_block_hash"] = n.core.Store().Head().Hex()
	stats["state_root"] = cm.EncodeToString(n.core.Store().StateRoot())
	stats["pending_digests"] = fmt.Sprint(n.core.PendingDigests())
	stats["uptime"] = time.Since(n.start).String()

	return stats
}

// GetBlock retrieves a committed block by height.
func (n *Node) GetBlock(height uint64) (*chain.Block, error) {
	return n.core.Store().Get(height)
}

// GetBlocks retrieves an ordered run of committed blocks.
func (n *Node) GetBlocks(start uint64, limit int) ([]*chain.Block, error) {
	if limit <= 0 || limit > n.conf.SyncLimit {
		limit = n.conf.SyncLimit
	}
	return n.core.Store().GetFrom(start, limit)
}

// GetValidators returns the current active validator set.
func (n *Node) GetValidators() []*validators.Validator {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.Protocol().Snapshot().Active()
}

// GetPendingChanges returns the staged validator-set changes.
func (n *Node) GetPendingChanges() []*validators.PendingChange {
	return n.core.pipeline.Registry().Pending()
}

// GetEvidence returns the equivocation records collected by the audit.
func (n *Node) GetEvidence() []*consensus.Equivocation {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.Protocol().Evidence()
}

// StageValidatorChange stages additions and removals to take effect at the
// given epoch boundary.
func (n *Node) StageValidatorChange(
	additions []*validators.Validator,
	removals []string,
	effectiveHeight uint64,
) error {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()
	return n.core.pipeline.Registry().StageChange(additions, removals, effectiveHeight)
}

// MetricsRegistry exposes the node's prometheus registry.
func (n *Node) MetricsRegistry() *prometheus.Registry {
	return n.metrics.registry
}
