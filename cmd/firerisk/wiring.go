package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"firerisk-backend/internal/database"
	"firerisk-backend/internal/metrics"
	"firerisk-backend/internal/modbus"
	"firerisk-backend/internal/mqtt"
	"firerisk-backend/internal/units"
)

func newRegistry() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.New(reg)
}

func newMQTTClient(clientID string) (*mqtt.Client, error) {
	log.Println("Connecting to MQTT broker...")
	return mqtt.NewClient(mqtt.ClientConfig{
		Broker:         cfg.MQTTBroker,
		ClientID:       clientID,
		Username:       cfg.MQTTUsername,
		Password:       cfg.MQTTPassword,
		PublishTimeout: cfg.MQTTPublishTimeout,
	})
}

func openDatabase(ctx context.Context) (*database.ClickHouseDB, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return database.NewClickHouseDB(connectCtx, database.Options{
		Addr:        cfg.ClickHouseAddr,
		Database:    cfg.ClickHouseDB,
		Username:    cfg.ClickHouseUser,
		Password:    cfg.ClickHousePass,
		Measurement: cfg.FIndexMeasurement,
		Tag:         cfg.FIndexTagID,
	})
}

func newNormalizer() (*units.Normalizer, error) {
	return units.NewNormalizer(cfg.WindInputUnit, cfg.WindUnitStrict)
}

// newTransport builds the Modbus master for the configured serial adapter. The
// port is opened on first use.
func newTransport(m *metrics.Metrics) *modbus.Transport {
	opener := modbus.SerialOpener(modbus.SerialConfig{
		Device:      cfg.SerialPort,
		BaudRate:    cfg.ModbusBaud,
		ReadTimeout: cfg.ModbusTimeout,
	})
	return modbus.NewTransport(opener, modbus.Config{
		Timeout:         cfg.ModbusTimeout,
		ProtocolRetries: cfg.ModbusRetries,
		RetryDelay:      modbus.DefaultConfig().RetryDelay,
		ReopenAttempts:  cfg.ModbusReopenAttempts,
		ReopenDelay:     cfg.ModbusReopenDelay,
		DegradedBackoff: cfg.ModbusDegradedBackoff,
	}, modbus.WithStateObserver(func(state modbus.LinkState) {
		log.Printf("Modbus: link %s", state)
		m.SetLinkState(int(state))
	}))
}

// startHTTPServer serves handler on cfg.MetricsAddr; it returns nil when the
// address is empty
func startHTTPServer(handler http.Handler) *http.Server {
	if cfg.MetricsAddr == "" {
		return nil
	}
	server := &http.Server{
		Handler:      handler,
		Addr:         cfg.MetricsAddr,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTP: listening on %s", cfg.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP: server error: %v", err)
		}
	}()
	return server
}

func stopHTTPServer(server *http.Server) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("HTTP: shutdown error: %v", err)
	}
}

func clientIDWithSuffix(suffix string) string {
	return fmt.Sprintf("%s-%s", cfg.MQTTClientID, suffix)
}
