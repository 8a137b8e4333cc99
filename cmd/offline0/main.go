package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"offline0/internal/offline"
)

var version = "0.1.0"

var globalOptions struct {
	ConfigPath string
}

// cmdRoot serves when no subcommand is given.
var cmdRoot = &cobra.Command{
	Use:   "offline0",
	Short: "Cache-first offline proxy for a static web page",
	Long: `
offline0 sits in front of a static site and answers its asset requests
cache-first from a versioned store, falling back to the network on a miss and
to the cached root document when a page navigation fails offline.
`,
	Version:           version,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,

	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	f := cmdRoot.PersistentFlags()
	f.StringVar(&globalOptions.ConfigPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
}

func loadConfig() (offline.Config, error) {
	cfg, err := offline.LoadConfig(globalOptions.ConfigPath)
	if err != nil {
		return offline.Config{}, errors.Wrap(err, "load config")
	}
	lvl, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return offline.Config{}, errors.Wrap(err, "logging.level")
	}
	log.SetLevel(lvl)
	return cfg, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000000"})
	if err := cmdRoot.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
