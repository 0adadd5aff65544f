package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anusornc/provchain-org2-sub001/src/config"
	"github.com/anusornc/provchain-org2-sub001/src/payload"
	"github.com/anusornc/provchain-org2-sub001/src/payload/inmem"
	aproxy "github.com/anusornc/provchain-org2-sub001/src/payload/socket/app"
	"github.com/anusornc/provchain-org2-sub001/src/provchain"
)

// CliConfig wraps the node configuration with options that only concern the
// command line: the socket payload bridge addresses and the standalone mode.
type CliConfig struct {
	ProvChain  config.Config `mapstructure:",squash"`
	ProxyAddr  string        `mapstructure:"proxy-listen"`
	ClientAddr string        `mapstructure:"client-connect"`
	Standalone bool          `mapstructure:"standalone"`
}

// NewDefaultCliConfig creates a CliConfig with default values.
func NewDefaultCliConfig() *CliConfig {
	return &CliConfig{
		ProvChain:  *config.NewDefaultConfig(),
		ProxyAddr:  "127.0.0.1:1338",
		ClientAddr: "127.0.0.1:1339",
		Standalone: false,
	}
}

var _config = NewDefaultCliConfig()

// NewRunCmd produces the command to run a validator node.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runProvChain,
	}

	AddRunFlags(cmd)

	return cmd
}

// AddRunFlags adds flags to the run command. The flag names match the
// mapstructure tags of the configuration object, so values can equally come
// from the command line or from [datadir]/provchain.toml.
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("datadir", "d", _config.ProvChain.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.ProvChain.LogLevel, "Log level (debug, info, warn, error, fatal, panic)")
	cmd.Flags().String("log-file", _config.ProvChain.LogFile, "Optional file where logs are also written")
	cmd.Flags().String("protocol", _config.ProvChain.Protocol, "Consensus protocol (poa, pbft)")
	cmd.Flags().Uint64("epoch-length", _config.ProvChain.EpochLength, "Number of blocks per epoch")
	cmd.Flags().StringP("listen", "l", _config.ProvChain.BindAddr, "Listen IP:Port for the validator node")
	cmd.Flags().StringP("advertise", "a", _config.ProvChain.AdvertiseAddr, "Advertise IP:Port to other validators")
	cmd.Flags().Bool("no-service", _config.ProvChain.NoService, "Disable the HTTP API service")
	cmd.Flags().StringP("service-listen", "s", _config.ProvChain.ServiceAddr, "Listen IP:Port for the HTTP API service")
	cmd.Flags().Duration("heartbeat", _config.ProvChain.HeartbeatTimeout, "Time between main loop ticks")
	cmd.Flags().Duration("round-timeout", _config.ProvChain.RoundTimeout, "Base deadline of a consensus round")
	cmd.Flags().Int("max-pool", _config.ProvChain.MaxPool, "Connection pool size max")
	cmd.Flags().DurationP("timeout", "t", _config.ProvChain.TCPTimeout, "TCP timeout")
	cmd.Flags().Int("sync-limit", _config.ProvChain.SyncLimit, "Max number of blocks per catch-up response")
	cmd.Flags().Bool("store", _config.ProvChain.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.ProvChain.DatabaseDir, "Database directory")
	cmd.Flags().Int("cache-size", _config.ProvChain.CacheSize, "Number of items in LRU caches")
	cmd.Flags().Bool("bootstrap", _config.ProvChain.Bootstrap, "Load the ledger from an existing database")
	cmd.Flags().String("moniker", _config.ProvChain.Moniker, "Friendly name of this node")

	// WebRTC
	cmd.Flags().Bool("webrtc", _config.ProvChain.WebRTC, "Use WebRTC transport")
	cmd.Flags().String("signal-addr", _config.ProvChain.SignalAddr, "IP:Port of the WebRTC signaling server")
	cmd.Flags().String("signal-realm", _config.ProvChain.SignalRealm, "Administrative domain within the signaling server")
	cmd.Flags().Bool("signal-skip-verify", _config.ProvChain.SignalSkipVerify, "Do not verify the signal server's certificate (testing only)")
	cmd.Flags().String("ice-addr", _config.ProvChain.ICEAddress, "URI of the ICE server (STUN or TURN)")
	cmd.Flags().String("ice-username", _config.ProvChain.ICEUsername, "Username for the ICE server")
	cmd.Flags().String("ice-password", _config.ProvChain.ICEPassword, "Password for the ICE server")

	// Payload bridge
	cmd.Flags().StringP("proxy-listen", "p", _config.ProxyAddr, "Listen IP:Port for the payload proxy")
	cmd.Flags().StringP("client-connect", "c", _config.ClientAddr, "IP:Port of the application to connect to")
	cmd.Flags().Bool("standalone", _config.Standalone, "Use an in-memory payload proxy instead of the socket bridge")
}

// loadConfig reads [datadir]/provchain.toml, merges it with the command-line
// flags, and unmarshals the result into the CliConfig.
func loadConfig(cmd *cobra.Command, args []string) error {
	datadir, err := cmd.Flags().GetString("datadir")
	if err != nil {
		return err
	}

	viper.AddConfigPath(datadir)
	viper.SetConfigName("provchain")

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}

	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	_config.ProvChain.SetDataDir(_config.ProvChain.DataDir)

	return nil
}

func runProvChain(cmd *cobra.Command, args []string) error {
	conf := &_config.ProvChain

	logger := conf.Logger()

	logger.WithFields(logrus.Fields{
		"datadir":        conf.DataDir,
		"protocol":       conf.Protocol,
		"listen":         conf.BindAddr,
		"advertise":      conf.AdvertiseAddr,
		"service-listen": conf.ServiceAddr,
		"heartbeat":      conf.HeartbeatTimeout,
		"round-timeout":  conf.RoundTimeout,
		"store":          conf.Store,
		"webrtc":         conf.WebRTC,
		"standalone":     _config.Standalone,
		"proxy-listen":   _config.ProxyAddr,
		"client-connect": _config.ClientAddr,
	}).Debug("RUN")

	var proxy payload.Proxy
	if _config.Standalone {
		proxy = inmem.NewInmemProxy(conf.RawLogger())
	} else {
		p, err := aproxy.NewSocketAppProxy(
			_config.ClientAddr,
			_config.ProxyAddr,
			conf.TCPTimeout,
			logger,
		)
		if err != nil {
			return fmt.Errorf("initializing socket payload proxy: %v", err)
		}
		proxy = p
	}

	engine := provchain.NewProvChain(conf, proxy)

	if err := engine.Init(); err != nil {
		return fmt.Errorf("initializing engine: %v", err)
	}

	//Relay SIGINT and SIGTERM to a graceful node shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		engine.Node.Shutdown()
	}()

	engine.Run()

	return nil
}
