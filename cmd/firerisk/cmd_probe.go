package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firerisk-backend/internal/modbus"
	"firerisk-backend/internal/units"
)

var (
	probeCount    int
	probeInterval time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Read the anemometer once",
	Long:  `Read the wind speed register directly, for checking wiring and slave address in the field.`,
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().IntVarP(&probeCount, "count", "n", 1, "number of reads")
	probeCmd.Flags().DurationVar(&probeInterval, "interval", time.Second, "pause between reads")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	transport := newTransport(nil)
	defer transport.Close()

	sensor := modbus.NewAnemometer(transport, byte(cfg.ModbusSlave))
	normalizer := &units.Normalizer{Default: sensor.Unit()}

	failures := 0
	for i := 0; i < probeCount; i++ {
		if i > 0 {
			time.Sleep(probeInterval)
		}
		start := time.Now()
		speed, err := sensor.ReadWindSpeed()
		elapsed := time.Since(start).Round(time.Millisecond)
		if err != nil {
			failures++
			fmt.Printf("read %d failed after %s: %v\n", i+1, elapsed, err)
			continue
		}
		kmh, _ := normalizer.ToKmh(speed, sensor.Unit())
		fmt.Printf("read %d: %.1f %s (%.2f km/h) in %s\n", i+1, speed, sensor.Unit(), kmh, elapsed)
	}

	state, _ := transport.State()
	fmt.Printf("link %s, %d/%d reads ok\n", state, probeCount-failures, probeCount)
	if failures == probeCount {
		return fmt.Errorf("no reading from slave %d on %s", cfg.ModbusSlave, cfg.SerialPort)
	}
	return nil
}
