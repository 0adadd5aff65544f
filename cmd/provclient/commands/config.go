package commands

// CLIConfig contains the configuration of the demo client.
type CLIConfig struct {
	Name       string `mapstructure:"name"`
	ClientAddr string `mapstructure:"client-listen"`
	ProxyAddr  string `mapstructure:"proxy-connect"`
	LogLevel   string `mapstructure:"log"`
}

// NewDefaultCLIConfig creates a CLIConfig with default values.
func NewDefaultCLIConfig() *CLIConfig {
	return &CLIConfig{
		Name:       "client",
		ClientAddr: "127.0.0.1:1339",
		ProxyAddr:  "127.0.0.1:1338",
		LogLevel:   "debug",
	}
}
