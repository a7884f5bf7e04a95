// Package cmd holds the plugsched command line interface.
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcpuig/plugsched/app"
	"github.com/marcpuig/plugsched/config"
	"github.com/marcpuig/plugsched/infra/logger"
)

var cfgPath string

// rootCmd runs the long-lived service: the planning job, the executor and
// the HTTP surfaces.
var rootCmd = &cobra.Command{
	Use:   "plugsched",
	Short: "Price-aware smart plug scheduling service",
	Long: "plugsched plans cheap run windows for smart plugs from day-ahead\n" +
		"electricity prices and drives the resulting on/off actions.",
	SilenceUsage: true,
	RunE:         runService,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "configuration file")
}

// Execute runs the CLI.
func Execute() error { return rootCmd.Execute() }

func runService(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, _, err := buildService()
	if err != nil {
		return err
	}
	defer closeService(svc)
	return svc.Run(ctx)
}

// buildService loads the configuration and wires the service. It is shared
// by the serve and plan commands.
func buildService() (*app.Service, *config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	svc, err := app.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

func closeService(svc *app.Service) {
	if err := svc.Close(); err != nil {
		logger.New("cmd").Errorf("service close: %v", err)
	}
}
