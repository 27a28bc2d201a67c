package mqtt

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrPublishTimeout is returned when the broker does not acknowledge in time
var ErrPublishTimeout = errors.New("mqtt publish timed out")

// Client manages the MQTT connection (low-level connection management only)
// For subscribing and publishing, use Subscriber and Publisher respectively
type Client struct {
	client mqtt.Client
	config ClientConfig

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos     byte
	handler mqtt.MessageHandler
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	PublishTimeout time.Duration // bound on waiting for a publish acknowledgement
}

// NewClient creates a new MQTT client connection. Subscriptions made through
// Subscribe are restored after every reconnect.
func NewClient(config ClientConfig) (*Client, error) {
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 10 * time.Second
	}
	c := &Client{
		config: config,
		subs:   make(map[string]subscription),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetDefaultPublishHandler(messagePubHandler)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(connectLostHandler)
	opts.SetReconnectingHandler(reconnectingHandler)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	c.client = mqtt.NewClient(opts)

	token := c.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		// ConnectRetry keeps trying in the background
		log.Printf("MQTT Client: Broker %s not reachable yet, retrying in background", config.Broker)
	} else if token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	} else {
		log.Println("MQTT Client: Connected to broker:", config.Broker)
	}

	return c, nil
}

// Subscribe registers handler for topic and subscribes if connected
func (c *Client) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		log.Printf("MQTT Client: Not connected, %s will be subscribed on connect", topic)
		return nil
	}
	token := c.client.Subscribe(topic, qos, handler)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("subscribe to %s timed out", topic)
	}
	return token.Error()
}

// Publish sends payload and waits for the acknowledgement, bounded by PublishTimeout
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

func (c *Client) onConnect(client mqtt.Client) {
	log.Println("MQTT: Connection established")

	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, s := range c.subs {
		subs[topic] = s
	}
	c.mu.Unlock()

	for topic, s := range subs {
		token := client.Subscribe(topic, s.qos, s.handler)
		// the callback runs on paho's goroutine, so wait off it
		go func(topic string, token mqtt.Token) {
			if token.WaitTimeout(c.config.PublishTimeout) && token.Error() == nil {
				log.Printf("MQTT: Subscribed to %s", topic)
				return
			}
			log.Printf("MQTT: Failed to subscribe to %s: %v", topic, token.Error())
		}(topic, token)
	}
}

// GetNativeClient returns the underlying paho MQTT client
func (c *Client) GetNativeClient() mqtt.Client {
	return c.client
}

// IsConnected returns whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close closes the MQTT client connection
func (c *Client) Close() {
	c.client.Disconnect(250)
	log.Println("MQTT Client: Disconnected")
}

// Connection event handlers
var messagePubHandler mqtt.MessageHandler = func(client mqtt.Client, msg mqtt.Message) {
	log.Printf("MQTT: Received message from topic: %s", msg.Topic())
}

var connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
	log.Printf("MQTT: Connection lost: %v", err)
}

var reconnectingHandler mqtt.ReconnectHandler = func(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("MQTT: Reconnecting...")
}
