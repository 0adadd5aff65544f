package node

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anusornc/provchain-org2-sub001/src/common"
)

// Config holds the parameters of a validator node.
type Config struct {
	// HeartbeatTimeout is the frequency of the main loop's ticks. Every tick
	// checks the round deadline and attempts a proposal when we lead.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat"`

	// RoundTimeout is the base consensus deadline; it doubles with every
	// view change within a height.
	RoundTimeout time.Duration `mapstructure:"round-timeout"`

	// TCPTimeout is the timeout for network requests to other validators.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// CacheSize is the number of blocks kept in the ledger's LRU cache.
	CacheSize int `mapstructure:"cache-size"`

	// SyncLimit is the maximum number of blocks fetched per catch-up
	// request.
	SyncLimit int `mapstructure:"sync-limit"`

	// Logger is the parent logger.
	Logger *logrus.Logger `mapstructure:"-"`
}

// NewConfig ...
func NewConfig(heartbeat time.Duration,
	roundTimeout time.Duration,
	timeout time.Duration,
	cacheSize int,
	syncLimit int,
	logger *logrus.Logger) *Config {

	return &Config{
		HeartbeatTimeout: heartbeat,
		RoundTimeout:     roundTimeout,
		TCPTimeout:       timeout,
		CacheSize:        cacheSize,
		SyncLimit:        syncLimit,
		Logger:           logger,
	}
}

// DefaultConfig ...
func DefaultConfig() *Config {
	logger := logrus.New()
	logger.Level = logrus.DebugLevel

	return &Config{
		HeartbeatTimeout: 50 * time.Millisecond,
		RoundTimeout:     1000 * time.Millisecond,
		TCPTimeout:       1000 * time.Millisecond,
		CacheSize:        5000,
		SyncLimit:        1000,
		Logger:           logger,
	}
}

// TestConfig returns a config with aggressive timeouts and a test logger.
func TestConfig(t testing.TB) *Config {
	config := DefaultConfig()
	config.HeartbeatTimeout = 10 * time.Millisecond
	config.RoundTimeout = 300 * time.Millisecond
	config.Logger = common.NewTestLogger(t)
	return config
}
