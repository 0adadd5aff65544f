package commands

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/anusornc/provchain-org2-sub001/src/config"
	pproxy "github.com/anusornc/provchain-org2-sub001/src/payload/socket/provchain"
)

var (
	_config = NewDefaultCLIConfig()
	logger  *logrus.Logger
)

func init() {
	RootCmd.Flags().String("name", _config.Name, "Client name")
	RootCmd.Flags().String("client-listen", _config.ClientAddr, "Listen IP:Port for commit callbacks")
	RootCmd.Flags().String("proxy-connect", _config.ProxyAddr, "IP:Port of the validator node's payload proxy")
	RootCmd.Flags().String("log", _config.LogLevel, "Log level (debug, info, warn, error, fatal, panic)")
}

// RootCmd is the root command for the demo client. It reads payloads from
// stdin, submits them through the socket payload bridge, and acknowledges
// commit callbacks from the node.
var RootCmd = &cobra.Command{
	Use:     "provclient",
	Short:   "Demo socket client for provchain",
	PreRunE: loadConfig,
	RunE:    runClient,
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	logger = logrus.New()
	logger.Formatter = new(prefixed.TextFormatter)
	logger.Level = config.LogLevel(_config.LogLevel)

	logger.WithFields(logrus.Fields{
		"name":          _config.Name,
		"client-listen": _config.ClientAddr,
		"proxy-connect": _config.ProxyAddr,
		"log":           _config.LogLevel,
	}).Debug("RUN")

	return nil
}

func runClient(cmd *cobra.Command, args []string) error {
	proxy, err := pproxy.NewSocketProvChainProxy(
		_config.ProxyAddr,
		_config.ClientAddr,
		time.Second,
		logger.WithField("prefix", "provclient"),
	)
	if err != nil {
		return err
	}

	// Acknowledge commit callbacks from the node
	go func() {
		for commit := range proxy.CommitCh() {
			logger.WithFields(logrus.Fields{
				"block":  commit.Block.Index(),
				"digest": fmt.Sprintf("%x", commit.Block.PayloadDigest()),
			}).Info("Committed")
			commit.Respond(nil)
		}
	}()

	// Listen for input messages from tty
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := scanner.Text()
		message := fmt.Sprintf("%s: %s", _config.Name, text)

		digest, err := proxy.SubmitPayload([]byte(message))
		if err != nil {
			fmt.Printf("Error in SubmitPayload: %v\n", err)
			continue
		}

		fmt.Printf("Submitted %x\n", digest)
	}

	return nil
}
