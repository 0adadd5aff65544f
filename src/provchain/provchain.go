// Package provchain ties the configuration, ledger, transport, consensus
// node, and status service together into one embeddable engine.
package provchain

import (
	"fmt"

	"github.com/cloudflare/circl/sign/ed25519"

	"github.com/anusornc/provchain-org2-sub001/src/chain"
	"github.com/anusornc/provchain-org2-sub001/src/config"
	"github.com/anusornc/provchain-org2-sub001/src/crypto/keys"
	"github.com/anusornc/provchain-org2-sub001/src/net"
	"github.com/anusornc/provchain-org2-sub001/src/net/signal/wamp"
	"github.com/anusornc/provchain-org2-sub001/src/node"
	"github.com/anusornc/provchain-org2-sub001/src/payload"
	"github.com/anusornc/provchain-org2-sub001/src/service"
	"github.com/anusornc/provchain-org2-sub001/src/validators"
)

// ProvChain is the engine. It assembles a validator node from a Config and a
// payload proxy, and exposes the assembled components.
type ProvChain struct {
	Config    *config.Config
	Proxy     payload.Proxy
	Node      *node.Node
	Transport net.Transport
	Store     chain.Store
	Registry  *validators.Registry
	Service   *service.Service

	key ed25519.PrivateKey
}

// NewProvChain instantiates an engine with a config and a payload proxy. The
// caller must run Init before Run.
func NewProvChain(config *config.Config, proxy payload.Proxy) *ProvChain {
	return &ProvChain{
		Config: config,
		Proxy:  proxy,
	}
}

// Init reads the key and validator files, opens the ledger, and assembles
// the node and its satellites.
func (p *ProvChain) Init() error {
	if err := p.initKey(); err != nil {
		return err
	}

	if err := p.initValidators(); err != nil {
		return err
	}

	if err := p.initStore(); err != nil {
		return err
	}

	if err := p.initTransport(); err != nil {
		return err
	}

	if err := p.initNode(); err != nil {
		return err
	}

	if err := p.initService(); err != nil {
		return err
	}

	return nil
}

// initKey loads the private key from the keyfile, or generates and persists
// a fresh one when the file does not exist.
func (p *ProvChain) initKey() error {
	logger := p.Config.Logger()

	keyfile := keys.NewSimpleKeyfile(p.Config.Keyfile())

	key, err := keyfile.ReadKey()
	if err != nil {
		logger.WithError(err).Warn("Cannot read private key from file")

		key, err = keys.GenerateKey()
		if err != nil {
			return err
		}

		if err := keyfile.WriteKey(key); err != nil {
			return err
		}

		logger.WithField("public_key", keys.PublicKeyHex(keys.FromPrivateKey(key))).
			Info("Created a new key")
	}

	p.key = key

	return nil
}

// initValidators reads the genesis validator set and builds the registry.
// validators.genesis.json takes precedence; validators.json is the fallback.
func (p *ProvChain) initValidators() error {
	vals, err := validators.NewJSONValidatorSet(p.Config.DataDir, false).Read()
	if err != nil {
		vals, err = validators.NewJSONValidatorSet(p.Config.DataDir, true).Read()
	}
	if err != nil {
		return fmt.Errorf("reading validator set: %v", err)
	}

	if len(vals) < 1 {
		return fmt.Errorf("validators.json should define at least one validator")
	}

	registry, err := validators.NewRegistry(vals, p.Config.EpochLength, p.Config.Logger())
	if err != nil {
		return err
	}

	p.Registry = registry

	return nil
}

// initStore opens the ledger. The genesis block's payload digest is derived
// from the genesis validator set, so all validators build the same genesis
// block independently.
func (p *ProvChain) initStore() error {
	logger := p.Config.Logger()

	genesisDigest, err := p.Registry.Current().Hash()
	if err != nil {
		return err
	}

	genesis := chain.NewGenesisBlock(genesisDigest)

	if !p.Config.Store {
		store, err := chain.NewInmemStore(genesis, p.Config.CacheSize)
		if err != nil {
			return err
		}
		p.Store = store

		logger.Debug("Created new in-mem store")

		return nil
	}

	logger.WithField("path", p.Config.DatabaseDir).Debug("Attempting to load or create database")

	if p.Config.Bootstrap {
		store, err := chain.LoadBadgerStore(p.Config.CacheSize, p.Config.DatabaseDir)
		if err != nil {
			return fmt.Errorf("bootstrapping from existing database: %v", err)
		}
		p.Store = store

		logger.WithField("height", store.Height()).Debug("Bootstrapped from existing database")

		return nil
	}

	store, err := chain.LoadOrCreateBadgerStore(genesis, p.Config.CacheSize, p.Config.DatabaseDir)
	if err != nil {
		return err
	}
	p.Store = store

	return nil
}

// initTransport creates a TCP or WebRTC transport according to the config.
func (p *ProvChain) initTransport() error {
	logger := p.Config.Logger()

	if p.Config.WebRTC {
		signalClient, err := wamp.NewClient(
			p.Config.SignalAddr,
			p.Config.SignalRealm,
			keys.PublicKeyHex(keys.FromPrivateKey(p.key)),
			p.Config.CertFile(),
			p.Config.SignalSkipVerify,
			p.Config.TCPTimeout,
			logger,
		)
		if err != nil {
			return err
		}

		transport, err := net.NewWebRTCTransport(
			signalClient,
			p.Config.ICEServers(),
			p.Config.MaxPool,
			p.Config.TCPTimeout,
			logger,
		)
		if err != nil {
			return err
		}

		p.Transport = transport

		return nil
	}

	transport, err := net.NewTCPTransport(
		p.Config.BindAddr,
		p.Config.AdvertiseAddr,
		p.Config.MaxPool,
		p.Config.TCPTimeout,
		logger,
	)
	if err != nil {
		return err
	}

	p.Transport = transport

	return nil
}

// initNode verifies that our key belongs to the validator set and builds the
// node.
func (p *ProvChain) initNode() error {
	pubHex := keys.PublicKeyHex(keys.FromPrivateKey(p.key))

	if !p.Registry.Current().IsAuthorized(pubHex) {
		return fmt.Errorf("cannot find self public key in validators.json")
	}

	validator := node.NewValidator(p.key, p.Config.Moniker)

	nodeConf := node.NewConfig(
		p.Config.HeartbeatTimeout,
		p.Config.RoundTimeout,
		p.Config.TCPTimeout,
		p.Config.CacheSize,
		p.Config.SyncLimit,
		p.Config.RawLogger(),
	)

	n, err := node.NewNode(
		nodeConf,
		validator,
		p.Registry,
		p.Store,
		p.Proxy,
		p.Transport,
		p.Config.Protocol,
	)
	if err != nil {
		return err
	}

	if err := n.Init(); err != nil {
		return fmt.Errorf("failed to initialize node: %v", err)
	}

	p.Node = n

	return nil
}

// initService creates the HTTP status service unless disabled.
func (p *ProvChain) initService() error {
	if !p.Config.NoService {
		p.Service = service.NewService(p.Config.ServiceAddr, p.Node, p.Config.Logger())
	}
	return nil
}

// Run starts the status service and the node. It blocks until the node
// shuts down.
func (p *ProvChain) Run() {
	if p.Service != nil && p.Config.ServiceAddr != "" {
		go p.Service.Serve()
	}

	p.Node.Run()
}
