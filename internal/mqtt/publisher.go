package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"firerisk-backend/internal/models"
)

// publishClient is the part of Client the publisher needs
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Publisher publishes wind readings and sync beacons
type Publisher struct {
	client publishClient

	windTopic string
	syncTopic string
}

// PublisherConfig holds configuration for MQTT publisher
type PublisherConfig struct {
	WindTopic string // e.g., "data/sensor/anemometer"
	SyncTopic string // e.g., "sync/timestamp"
}

// NewPublisher creates a new MQTT publisher
func NewPublisher(client publishClient, config PublisherConfig) *Publisher {
	return &Publisher{
		client:    client,
		windTopic: config.WindTopic,
		syncTopic: config.SyncTopic,
	}
}

// PublishWind publishes a wind reading, QoS 1, not retained
func (p *Publisher) PublishWind(payload models.WindPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal wind reading: %w", err)
	}
	if err := p.client.Publish(p.windTopic, 1, false, body); err != nil {
		return fmt.Errorf("failed to publish wind reading: %w", err)
	}
	log.Printf("Published %s -> %s", body, p.windTopic)
	return nil
}

// PublishSync publishes a beacon for ts, QoS 1, retained so late subscribers get
// the current one
func (p *Publisher) PublishSync(ts time.Time) error {
	body, err := json.Marshal(models.SyncPayload{Timestamp: models.FormatTimestamp(ts)})
	if err != nil {
		return fmt.Errorf("failed to marshal sync beacon: %w", err)
	}
	if err := p.client.Publish(p.syncTopic, 1, true, body); err != nil {
		return fmt.Errorf("failed to publish sync beacon: %w", err)
	}
	log.Printf("Published %s -> %s", body, p.syncTopic)
	return nil
}
