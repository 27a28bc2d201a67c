package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firerisk-backend/internal/api"
	"firerisk-backend/internal/mqtt"
	"firerisk-backend/internal/services"
)

var beaconCmd = &cobra.Command{
	Use:   "beacon",
	Short: "Publish the sync timestamp",
	Long: `Publish the canonical UTC timestamp (retained) every BEACON_INTERVAL,
starting on the next whole minute. Sensor nodes poll when it arrives.`,
	RunE: runBeacon,
}

func init() {
	rootCmd.AddCommand(beaconCmd)
}

func runBeacon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, m := newRegistry()

	mqttClient, err := newMQTTClient(clientIDWithSuffix("sync"))
	if err != nil {
		return fmt.Errorf("failed to initialize MQTT client: %w", err)
	}
	defer mqttClient.Close()

	publisher := mqtt.NewPublisher(mqttClient, mqtt.PublisherConfig{SyncTopic: cfg.MQTTTopicSync})
	beaconService := services.NewBeaconService(publisher, cfg.BeaconInterval, m)

	server := startHTTPServer(api.NewRouter(api.Config{
		Service:  "firerisk-beacon",
		Gatherer: reg,
		Ready:    mqttClient.IsConnected,
	}))
	defer stopHTTPServer(server)

	log.Printf("Publishing sync beacons on %s", cfg.MQTTTopicSync)

	// Start returns once ctx is cancelled
	beaconService.Start(ctx)
	return nil
}
