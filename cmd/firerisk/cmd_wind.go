package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firerisk-backend/internal/api"
	"firerisk-backend/internal/modbus"
	"firerisk-backend/internal/mqtt"
	"firerisk-backend/internal/services"
)

var windNoStore bool

var windCmd = &cobra.Command{
	Use:   "wind",
	Short: "Run the anemometer edge worker",
	Long: `Poll the RS-485 anemometer on every sync beacon and publish the reading
tagged with the beacon timestamp.`,
	RunE: runWind,
}

func init() {
	windCmd.Flags().BoolVar(&windNoStore, "no-store", false, "do not write raw wind readings to ClickHouse")
	rootCmd.AddCommand(windCmd)
}

type windStatus struct {
	LastPublished string     `json:"last_published,omitempty"`
	Link          string     `json:"link"`
	DegradedUntil *time.Time `json:"degraded_until,omitempty"`
	MQTTConnected bool       `json:"mqtt_connected"`
}

func runWind(cmd *cobra.Command, args []string) error {
	log.Println("Starting anemometer edge worker...")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, m := newRegistry()

	normalizer, err := newNormalizer()
	if err != nil {
		return err
	}

	var store services.WindStore
	if !windNoStore {
		db, err := openDatabase(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize ClickHouse: %w", err)
		}
		defer db.Close()
		store = db
	}

	mqttClient, err := newMQTTClient(clientIDWithSuffix("wind"))
	if err != nil {
		return fmt.Errorf("failed to initialize MQTT client: %w", err)
	}
	defer mqttClient.Close()

	transport := newTransport(m)
	if err := transport.Open(); err != nil {
		log.Printf("Modbus: %v (will retry on the next beacon)", err)
	}
	defer transport.Close()

	publisher := mqtt.NewPublisher(mqttClient, mqtt.PublisherConfig{WindTopic: cfg.MQTTTopicWind})
	windService := services.NewWindService(
		modbus.NewAnemometer(transport, byte(cfg.ModbusSlave)),
		publisher,
		store,
		normalizer,
		cfg.WindSensorID,
		m,
		10,
	)

	subscriber := mqtt.NewSubscriber(
		mqttClient,
		mqtt.SubscriberConfig{SyncTopic: cfg.MQTTTopicSync},
		nil,
		nil,
		windService.SyncChan,
	)
	subscriber.OnReject(m.Rejected)
	if err := subscriber.SubscribeAll(); err != nil {
		return fmt.Errorf("failed to subscribe to MQTT topics: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		windService.Start(ctx)
	}()

	server := startHTTPServer(api.NewRouter(api.Config{
		Service:  "firerisk-wind",
		Gatherer: reg,
		Ready:    mqttClient.IsConnected,
		Status: func() any {
			state, until := transport.State()
			st := windStatus{
				LastPublished: windService.LastPublished(),
				Link:          state.String(),
				MQTTConnected: mqttClient.IsConnected(),
			}
			if state == modbus.LinkDegraded {
				st.DegradedUntil = &until
			}
			return st
		},
	}))

	log.Println("=== Anemometer edge worker is running ===")
	log.Printf("Serial: %s @ %d baud, slave %d", cfg.SerialPort, cfg.ModbusBaud, cfg.ModbusSlave)
	log.Printf("Sync topic: %s, wind topic: %s", cfg.MQTTTopicSync, cfg.MQTTTopicWind)
	log.Println("Press Ctrl+C to exit...")

	<-ctx.Done()
	log.Println("Shutdown signal received, stopping services...")
	wg.Wait()
	stopHTTPServer(server)

	log.Println("Shutdown complete. Goodbye!")
	return nil
}
