// Command shari keeps a document library catalog in sync with its folder and
// shares the folder on the local network.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lucaji/Shari/internal/config"
	"github.com/lucaji/Shari/internal/fileserver"
	"github.com/lucaji/Shari/internal/logging"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	flagConfig   string
	flagData     string
	flagMode     string
	flagPort     int
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "shari",
	Short: "Document library sync and LAN sharing",
	Long: `shari watches a documents folder, keeps a persistent catalog of its
files, and can share the folder over the local network as a web page or a
WebDAV drive.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	addGlobalFlags(rootCmd.PersistentFlags())
}

func addGlobalFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&flagConfig, "config", "c", "", "config file (default "+config.GetDefaultConfigPath()+")")
	fs.StringVar(&flagData, "data", "", "data root holding the documents folder")
	fs.StringVar(&flagMode, "mode", "", "server mode: 0/off, 1/web, 2/webdav, 4/both")
	fs.IntVarP(&flagPort, "port", "p", 0, "server port (0 picks a free port)")
	fs.StringVar(&flagLogLevel, "log-level", "", "debug, info, warn or error")
}

// loadConfig loads the configuration and applies command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("data") {
		cfg.DataRoot = flagData
	}
	if flags.Changed("mode") {
		m, err := fileserver.ParseMode(flagMode)
		if err != nil {
			return nil, err
		}
		cfg.Server.Mode = int(m)
	}
	if flags.Changed("port") {
		cfg.Server.Port = flagPort
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = flagLogLevel
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) (*zap.Logger, error) {
	if err := logging.Init(cfg.Logging.LoggingSettings()); err != nil {
		return nil, fmt.Errorf("logging init: %w", err)
	}
	return logging.L(), nil
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "Error:", err)

	var bindErr *fileserver.BindError
	if errors.As(err, &bindErr) {
		os.Exit(3)
	}
	os.Exit(1)
}
