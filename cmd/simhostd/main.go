// simhostd runs the simulated hypervisor host agent.
package main

import (
	"context"
	"os"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/spin-stack/simhost/internal/config"
	"github.com/spin-stack/simhost/internal/version"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		log.L.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	stateDir   string
	debug      bool
}

func rootCmd() *cobra.Command {
	var gf globalFlags

	cmd := &cobra.Command{
		Use:           "simhostd",
		Short:         "Simulated hypervisor host agent",
		Version:       version.Get().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&gf.configPath, "config", "", "Config file (default $"+config.ConfigEnvVar+" or "+config.DefaultConfigPath+")")
	cmd.PersistentFlags().StringVar(&gf.stateDir, "state-dir", "", "Override paths.state_dir")
	cmd.PersistentFlags().BoolVar(&gf.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(serveCmd(&gf), hostCmd(&gf), versionCmd())
	return cmd
}

// load reads the configuration and applies the logging settings.
func (gf *globalFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if gf.configPath != "" {
		cfg, err = config.LoadFrom(gf.configPath)
	} else {
		cfg, err = config.Get()
	}
	if err != nil {
		return nil, err
	}
	if gf.stateDir != "" {
		cfg.Paths.StateDir = gf.stateDir
	}

	level := cfg.Log.Level
	if gf.debug {
		level = "debug"
	}
	if err := log.SetLevel(level); err != nil {
		return nil, err
	}
	if err := log.SetFormat(log.OutputFormat(cfg.Log.Format)); err != nil {
		return nil, err
	}
	return cfg, nil
}
