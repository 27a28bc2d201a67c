package mqtt

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"firerisk-backend/internal/models"
)

// subscribeClient is the part of Client the subscriber needs
type subscribeClient interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Subscriber handles MQTT subscriptions and writes messages to channels
type Subscriber struct {
	client subscribeClient

	// Output channels (written by subscriber, read by services)
	ClimateChan chan *models.ClimateReading
	WindChan    chan *models.WindReading
	SyncChan    chan *models.SyncBeacon

	sensorTopic string
	syncTopic   string
	climateID   string
	windID      string

	sendTimeout time.Duration
	onReject    func(reason string)
}

// SubscriberConfig holds configuration for MQTT subscriber
type SubscriberConfig struct {
	SensorTopic     string // e.g., "data/sensor/#"; empty disables sensor routing
	SyncTopic       string // e.g., "sync/timestamp"; empty disables beacons
	ClimateSensorID string // sensor_id of the temperature/humidity node
	WindSensorID    string // sensor_id of the anemometer
}

// NewSubscriber creates a new MQTT subscriber writing to the given channels.
// A nil channel disables that stream.
func NewSubscriber(
	client subscribeClient,
	config SubscriberConfig,
	climateChan chan *models.ClimateReading,
	windChan chan *models.WindReading,
	syncChan chan *models.SyncBeacon,
) *Subscriber {
	return &Subscriber{
		client:      client,
		ClimateChan: climateChan,
		WindChan:    windChan,
		SyncChan:    syncChan,
		sensorTopic: config.SensorTopic,
		syncTopic:   config.SyncTopic,
		climateID:   config.ClimateSensorID,
		windID:      config.WindSensorID,
		sendTimeout: time.Second,
	}
}

// OnReject registers a callback for every dropped or malformed message
func (s *Subscriber) OnReject(fn func(reason string)) {
	s.onReject = fn
}

// SubscribeAll subscribes to all configured topics
func (s *Subscriber) SubscribeAll() error {
	if s.sensorTopic != "" {
		if err := s.client.Subscribe(s.sensorTopic, 1, s.handleSensor); err != nil {
			return fmt.Errorf("failed to subscribe to sensor topic: %w", err)
		}
		log.Printf("Subscribed to sensor topic: %s", s.sensorTopic)
	}

	if s.syncTopic != "" {
		if err := s.client.Subscribe(s.syncTopic, 1, s.handleSync); err != nil {
			return fmt.Errorf("failed to subscribe to sync topic: %w", err)
		}
		log.Printf("Subscribed to sync topic: %s", s.syncTopic)
	}

	return nil
}

// handleSensor routes a sensor message by its sensor_id
func (s *Subscriber) handleSensor(client mqtt.Client, msg mqtt.Message) {
	env, err := models.ParseEnvelope(msg.Payload())
	if err != nil {
		log.Printf("Non-JSON message on %s", msg.Topic())
		s.reject("invalid_json")
		return
	}

	switch id := env.ID(); {
	case id == s.climateID && s.ClimateChan != nil:
		reading, err := models.ParseClimate(msg.Payload())
		if err != nil {
			log.Printf("Ignoring climate message on %s: %v", msg.Topic(), err)
			s.reject("invalid_climate")
			return
		}
		deliver(s, s.ClimateChan, reading, "climate", id)

	case id == s.windID && s.WindChan != nil:
		reading, err := models.ParseWind(msg.Payload())
		if err != nil {
			log.Printf("Ignoring wind message on %s: %v", msg.Topic(), err)
			s.reject("invalid_wind")
			return
		}
		deliver(s, s.WindChan, reading, "wind", id)

	default:
		// other nodes share the topic tree
	}
}

// handleSync processes sync beacons
func (s *Subscriber) handleSync(client mqtt.Client, msg mqtt.Message) {
	if s.SyncChan == nil {
		return
	}
	beacon, err := models.ParseSync(msg.Payload())
	if err != nil {
		log.Printf("Ignoring sync beacon on %s: %v", msg.Topic(), err)
		s.reject("invalid_sync")
		return
	}
	deliver(s, s.SyncChan, beacon, "sync", beacon.Raw)
}

// deliver writes to ch, dropping the message if the consumer is stuck
func deliver[T any](s *Subscriber, ch chan T, v T, stream, source string) {
	select {
	case ch <- v:
	case <-time.After(s.sendTimeout):
		log.Printf("Warning: %s channel full, dropping message from %s", stream, source)
		s.reject(stream + "_dropped")
	}
}

func (s *Subscriber) reject(reason string) {
	if s.onReject != nil {
		s.onReject(reason)
	}
}
