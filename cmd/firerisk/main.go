package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firerisk-backend/pkg/config"
)

var (
	cfg         *config.Config
	configPath  string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "firerisk",
	Short: "Fire risk (F-index) monitoring",
	Long: `firerisk fuses temperature, humidity and wind readings into the F-index,
stores it in ClickHouse and sends an SMS when the fire risk crosses the threshold.

The same binary runs the fusion worker, the anemometer edge worker and the
sync beacon.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			os.Setenv("FIRERISK_CONFIG", configPath)
		}
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if metricsAddr != "" {
			loaded.MetricsAddr = metricsAddr
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides FIRERISK_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for /health and /metrics (overrides METRICS_ADDR)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
