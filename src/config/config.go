package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	webrtc "github.com/pion/webrtc/v2"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/anusornc/provchain-org2-sub001/src/common"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the
	// validator's private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger database
	DefaultBadgerFile = "badger_db"

	// DefaultCertFile is the default name of the file containing the TLS
	// certificate for connecting to the signaling server.
	DefaultCertFile = "cert.pem"
)

// Default configuration values.
const (
	DefaultLogLevel         = "debug"
	DefaultProtocol         = "poa"
	DefaultBindAddr         = "127.0.0.1:1337"
	DefaultServiceAddr      = "127.0.0.1:8000"
	DefaultEpochLength      = uint64(100)
	DefaultHeartbeatTimeout = 50 * time.Millisecond
	DefaultRoundTimeout     = 1000 * time.Millisecond
	DefaultTCPTimeout       = 1000 * time.Millisecond
	DefaultCacheSize        = 10000
	DefaultSyncLimit        = 1000
	DefaultMaxPool          = 2
	DefaultStore            = false
	DefaultWebRTC           = false
	DefaultSignalAddr       = "127.0.0.1:2443"
	DefaultSignalRealm      = "main"
	DefaultSignalSkipVerify = false
	DefaultICEAddress       = "stun:stun.l.google.com:19302"
	DefaultICEUsername      = ""
	DefaultICEPassword      = ""
)

// Config contains all the configuration properties of a validator node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile is an optional path to a file where logs are written on top of
	// standard output.
	LogFile string `mapstructure:"log-file"`

	// Protocol selects the consensus variant, "poa" or "pbft".
	Protocol string `mapstructure:"protocol"`

	// EpochLength is the number of blocks per epoch. Staged validator-set
	// changes take effect at epoch boundaries.
	EpochLength uint64 `mapstructure:"epoch-length"`

	// BindAddr is the local address:port where this node talks to other
	// validators. In some cases, there may be a routable address that cannot
	// be bound. Use AdvertiseAddr to advertise a different address to
	// support this.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// validators.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service. If not
	// specified, and "no-service" is not set, the API handlers are
	// registered with the DefaultServerMux of the http package. It is
	// possible that another server in the same process is simultaneously
	// using the DefaultServerMux. In which case, the handlers will be
	// accessible from both servers. This is useful when the node is embedded
	// and expected to share the application's API endpoint.
	ServiceAddr string `mapstructure:"service-listen"`

	// HeartbeatTimeout is the frequency of the node's main loop ticks.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat"`

	// RoundTimeout is the base deadline of a consensus round. It doubles
	// with every view change within a height.
	RoundTimeout time.Duration `mapstructure:"round-timeout"`

	// MaxPool controls how many connections are pooled per target in the
	// networking routines.
	MaxPool int `mapstructure:"max-pool"`

	// TCPTimeout is the timeout of network RPC connections. It also applies
	// to WebRTC connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// SyncLimit defines the max number of blocks to include in a catch-up
	// response.
	SyncLimit int `mapstructure:"sync-limit"`

	// Store activates persistent storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// CacheSize is the max number of items in in-memory caches.
	CacheSize int `mapstructure:"cache-size"`

	// Bootstrap determines whether or not to load the ledger from an
	// existing database file. Forces Store, ie. bootstrap only works with a
	// persistent database store.
	Bootstrap bool `mapstructure:"bootstrap"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// WebRTC determines whether to use a WebRTC transport. WebRTC uses a
	// very different protocol stack than TCP/IP and enables peers to connect
	// directly even with multiple layers of NAT between them, such as in
	// cellular networks. WebRTC relies on a signaling server whose address
	// is specified by SignalAddr. When WebRTC is enabled, BindAddr and
	// AdvertiseAddr are ignored.
	WebRTC bool `mapstructure:"webrtc"`

	// SignalAddr is the IP:PORT of the WebRTC signaling server. It is
	// ignored when WebRTC is not enabled. The connection is over secured
	// web-sockets, wss, and it is possible to include a self-signed
	// certificate in a file called cert.pem in the datadir. If no
	// self-signed certificate is found, the server's certificate signing
	// authority better be trusted.
	SignalAddr string `mapstructure:"signal-addr"`

	// SignalRealm is an administrative domain within the WebRTC signaling
	// server. Signaling messages are only routed within a Realm.
	SignalRealm string `mapstructure:"signal-realm"`

	// SignalSkipVerify controls whether the signal client verifies the
	// server's certificate chain and host name. If SignalSkipVerify is true,
	// TLS accepts any certificate presented by the server and any host name
	// in that certificate. In this mode, TLS is susceptible to
	// man-in-the-middle attacks. This should be used only for testing.
	SignalSkipVerify bool `mapstructure:"signal-skip-verify"`

	// ICEAddress is the URI of a server providing services for ICE, such as
	// STUN and TURN. The server should support password-based
	// authentication, with the username and password provided in ICEUsername
	// and ICEPassword below. Username and password can also be empty if the
	// ICE server does not use authentication.
	// https://developer.mozilla.org/en-US/docs/Web/API/RTCIceServer/urls
	ICEAddress string `mapstructure:"ice-addr"`

	// ICEUsername is the username that will be used to authenticate with the
	// ICE server defined in ICEAddress.
	ICEUsername string `mapstructure:"ice-username"`

	// ICEPassword is the password that will be used to authenticate with the
	// ICE server defined in ICEAddress.
	ICEPassword string `mapstructure:"ice-password"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values. All the
// default configuration values are set, even if they cancel each other out.
// For example, when WebRTC = false, all the Signal options are ignored.
// Likewise, when WebRTC = true, BindAddr and AdvertiseAddr are not used.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:          DefaultDataDir(),
		LogLevel:         DefaultLogLevel,
		Protocol:         DefaultProtocol,
		EpochLength:      DefaultEpochLength,
		BindAddr:         DefaultBindAddr,
		ServiceAddr:      DefaultServiceAddr,
		HeartbeatTimeout: DefaultHeartbeatTimeout,
		RoundTimeout:     DefaultRoundTimeout,
		TCPTimeout:       DefaultTCPTimeout,
		CacheSize:        DefaultCacheSize,
		SyncLimit:        DefaultSyncLimit,
		MaxPool:          DefaultMaxPool,
		Store:            DefaultStore,
		DatabaseDir:      DefaultDatabaseDir(),
		WebRTC:           DefaultWebRTC,
		SignalAddr:       DefaultSignalAddr,
		SignalRealm:      DefaultSignalRealm,
		SignalSkipVerify: DefaultSignalSkipVerify,
		ICEAddress:       DefaultICEAddress,
		ICEUsername:      DefaultICEUsername,
		ICEPassword:      DefaultICEPassword,
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level data directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitly
// set it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// CertFile returns the full path of the file containing the signal-server
// TLS certificate.
func (c *Config) CertFile() string {
	return filepath.Join(c.DataDir, DefaultCertFile)
}

// ICEServers returns a list of ICE servers used by the WebRTC stream layer
// to connect to peers. The list contains a single item which is based on the
// configuration passed through the config object. This configuration is
// limited to a single server, with password-based authentication.
func (c *Config) ICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs:           []string{c.ICEAddress},
			Username:       c.ICEUsername,
			Credential:     c.ICEPassword,
			CredentialType: webrtc.ICECredentialTypePassword,
		},
	}
}

// Logger returns a formatted logrus Entry, with prefix set to "provchain".
// When LogFile is set, entries are also mirrored to that file.
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)

		if c.LogFile != "" {
			pathMap := lfshook.PathMap{}
			for _, level := range logrus.AllLevels {
				if level <= c.logger.Level {
					pathMap[level] = c.LogFile
				}
			}
			c.logger.Hooks.Add(lfshook.NewHook(
				pathMap,
				new(logrus.JSONFormatter),
			))
		}
	}
	return c.logger.WithField("prefix", "provchain")
}

// RawLogger returns the underlying logrus Logger.
func (c *Config) RawLogger() *logrus.Logger {
	c.Logger()
	return c.logger
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".ProvChain")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "ProvChain")
		} else {
			return filepath.Join(home, ".provchain")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}

// DefaultICEServers returns the default ICE configuration with one URL
// pointing to a public Google STUN server.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{DefaultICEAddress},
		},
	}
}
