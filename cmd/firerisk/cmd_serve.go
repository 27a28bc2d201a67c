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

	"firerisk-backend/internal/alert"
	"firerisk-backend/internal/api"
	"firerisk-backend/internal/database"
	"firerisk-backend/internal/dedup"
	"firerisk-backend/internal/fusion"
	"firerisk-backend/internal/mqtt"
	"firerisk-backend/internal/services"
	"firerisk-backend/internal/sms"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the F-index fusion worker",
	Long: `Subscribe to the climate and wind sensors, compute FMI and F-index,
store each result once in ClickHouse and send an SMS alert above the threshold.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

type serveStatus struct {
	services.FusionStatus
	Threshold     float64    `json:"threshold"`
	LastAlertAt   *time.Time `json:"last_alert_at,omitempty"`
	MQTTConnected bool       `json:"mqtt_connected"`
}

func runServe(cmd *cobra.Command, args []string) error {
	log.Println("Starting F-index fusion worker...")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, m := newRegistry()

	normalizer, err := newNormalizer()
	if err != nil {
		return err
	}

	// Initialize ClickHouse database
	db, err := openDatabase(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize ClickHouse: %w", err)
	}
	defer db.Close()

	// === Alert path ===
	dispatcher := alert.NewDispatcher(cfg.FThreshold, cfg.AlertCooldown)
	notifier, err := newNotifier(db)
	if err != nil {
		return err
	}
	alertService := services.NewAlertService(dispatcher, notifier, m, 100)

	// === Fusion ===
	var raw services.ClimateStore
	if cfg.StoreRawReadings {
		raw = db
	}
	fusionService := services.NewFusionService(
		fusion.NewEngine(cfg.SyncWindow),
		normalizer,
		dedup.NewWriter(db),
		raw,
		alertService.MetricChan,
		m,
		services.DefaultFusionServiceConfig(),
	)

	// === MQTT ===
	mqttClient, err := newMQTTClient(cfg.MQTTClientID)
	if err != nil {
		return fmt.Errorf("failed to initialize MQTT client: %w", err)
	}
	defer mqttClient.Close()

	subscriber := mqtt.NewSubscriber(
		mqttClient,
		mqtt.SubscriberConfig{
			SensorTopic:     cfg.MQTTTopicSensor,
			ClimateSensorID: cfg.ClimateSensorID,
			WindSensorID:    cfg.WindSensorID,
		},
		fusionService.ClimateChan,
		fusionService.WindChan,
		nil,
	)
	subscriber.OnReject(m.Rejected)
	if err := subscriber.SubscribeAll(); err != nil {
		return fmt.Errorf("failed to subscribe to MQTT topics: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		fusionService.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		alertService.Start(ctx)
	}()

	server := startHTTPServer(api.NewRouter(api.Config{
		Service:  "firerisk-serve",
		Gatherer: reg,
		Ready:    mqttClient.IsConnected,
		Status: func() any {
			st := serveStatus{
				FusionStatus:  fusionService.Status(),
				Threshold:     dispatcher.Threshold(),
				MQTTConnected: mqttClient.IsConnected(),
			}
			if ts, ok := dispatcher.LastAlert(); ok {
				st.LastAlertAt = &ts
			}
			return st
		},
	}))

	log.Println("=== F-index fusion worker is running ===")
	log.Printf("Sensor topic: %s (climate=%s, wind=%s)", cfg.MQTTTopicSensor, cfg.ClimateSensorID, cfg.WindSensorID)
	log.Printf("Threshold: %.2f, cooldown: %s, sync window: %s, wind unit: %s",
		cfg.FThreshold, cfg.AlertCooldown, cfg.SyncWindow, normalizer.Default)
	log.Println("Alert cooldown and write deduplication start empty; the first alert after a restart is not rate limited")
	log.Println("Press Ctrl+C to exit...")

	<-ctx.Done()
	log.Println("Shutdown signal received, stopping services...")
	wg.Wait()
	stopHTTPServer(server)

	log.Println("Shutdown complete. Goodbye!")
	return nil
}

// newNotifier returns nil when no alert phone is configured
func newNotifier(db *database.ClickHouseDB) (services.AlertNotifier, error) {
	if cfg.AlertPhone == "" {
		log.Println("WARNING: ALERT_PHONE not set, alerts will only be logged")
		return nil, nil
	}

	loc, err := time.LoadLocation(cfg.AlertTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid ALERT_TIMEZONE: %w", err)
	}
	modem, err := newModemClient()
	if err != nil {
		return nil, err
	}
	log.Printf("SMS alerts to %s via %s", cfg.AlertPhone, sms.SafeURL(cfg.ModemURL))

	return alert.NewNotifier(modem, cfg.AlertPhone, cfg.FThreshold, cfg.AlertTemplate,
		alert.WithLocation(loc),
		alert.WithRecorder(db),
	)
}

func newModemClient() (*sms.HuaweiClient, error) {
	return sms.NewHuaweiClient(cfg.ModemURL,
		sms.WithRetries(cfg.SMSRetries, cfg.SMSBackoff),
		sms.WithTimeout(cfg.SMSTimeout),
	)
}
