package mesh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by bridge operations while the broker
// connection is down.
var ErrNotConnected = errors.New("bridge not connected")

// MessageHandler receives every message delivered on a subscribed topic.
type MessageHandler func(topic string, payload []byte)

// Bridge is a pub/sub connection to one broker.
type Bridge interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, handler MessageHandler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte) error
	Disconnect()
	IsConnected() bool
}

// BridgeOptions configures an MQTT bridge.
type BridgeOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte

	// AttemptTimeout bounds a single connection attempt.
	AttemptTimeout time.Duration
}

// BridgeOptionsFromConfig builds bridge options from the mqtt config
// section. MQTT_BROKER, MQTT_CLIENT_ID, MQTT_USERNAME and MQTT_PASSWORD
// override the file values.
func BridgeOptionsFromConfig(cfg MQTTConfig) BridgeOptions {
	opts := BridgeOptions{
		Broker:         cfg.Broker,
		ClientID:       cfg.ClientID,
		Username:       cfg.Username,
		Password:       cfg.Password,
		QoS:            cfg.QoS,
		AttemptTimeout: 10 * time.Second,
	}
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		opts.Broker = broker
	}
	if clientID := os.Getenv("MQTT_CLIENT_ID"); clientID != "" {
		opts.ClientID = clientID
	}
	if opts.ClientID == "" {
		opts.ClientID = "pemesh"
	}
	if username := os.Getenv("MQTT_USERNAME"); username != "" {
		opts.Username = username
	}
	if password := os.Getenv("MQTT_PASSWORD"); password != "" {
		opts.Password = password
	}
	return opts
}

// MQTTBridge implements Bridge on top of a paho client. Subscriptions are
// remembered and restored whenever the client reconnects.
type MQTTBridge struct {
	client      mqtt.Client
	opts        BridgeOptions
	handlers    map[string]MessageHandler
	isConnected bool
	mu          sync.RWMutex
}

// NewMQTTBridge creates a bridge for opts. It does not connect.
func NewMQTTBridge(opts BridgeOptions) *MQTTBridge {
	b := &MQTTBridge{
		opts:     opts,
		handlers: make(map[string]MessageHandler),
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}

	// Connection settings
	co.SetAutoReconnect(true)
	co.SetConnectRetry(false) // Connect retries with its own backoff
	co.SetMaxReconnectInterval(60 * time.Second)
	co.SetKeepAlive(60 * time.Second)
	co.SetPingTimeout(10 * time.Second)
	co.SetCleanSession(false)
	co.SetOrderMatters(false) // deliveries must not queue behind a slow handler

	co.SetOnConnectHandler(b.onConnect)
	co.SetConnectionLostHandler(b.onConnectionLost)
	co.SetReconnectingHandler(b.onReconnecting)

	b.client = mqtt.NewClient(co)
	return b
}

// newMQTTBridgeWithClient wraps an existing client, used with MockClient.
func newMQTTBridgeWithClient(client mqtt.Client, opts BridgeOptions) *MQTTBridge {
	return &MQTTBridge{
		client:   client,
		opts:     opts,
		handlers: make(map[string]MessageHandler),
	}
}

// Connect attempts to connect with exponential backoff until it succeeds
// or ctx is done.
func (b *MQTTBridge) Connect(ctx context.Context) error {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second
	attempt := b.opts.AttemptTimeout
	if attempt <= 0 {
		attempt = 10 * time.Second
	}

	for {
		log.Printf("[MQTT] Connecting to %s as %s...", b.opts.Broker, b.opts.ClientID)

		token := b.client.Connect()
		if waitToken(ctx, token, attempt) {
			if token.Error() == nil {
				log.Printf("[MQTT] Connected to %s", b.opts.Broker)
				b.setConnected(true)
				return nil
			}
			log.Printf("[MQTT] Connection to %s failed: %v", b.opts.Broker, token.Error())
		} else if ctx.Err() == nil {
			log.Printf("[MQTT] Connection to %s timed out", b.opts.Broker)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("connecting to %s: %w", b.opts.Broker, ctx.Err())
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// waitToken waits for token, giving up after timeout or when ctx is done.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// onConnect is called when the MQTT connection is established
func (b *MQTTBridge) onConnect(client mqtt.Client) {
	b.setConnected(true)

	b.mu.RLock()
	handlers := make(map[string]MessageHandler, len(b.handlers))
	for topic, h := range b.handlers {
		handlers[topic] = h
	}
	b.mu.RUnlock()

	for topic, h := range handlers {
		token := client.Subscribe(topic, b.opts.QoS, wrapHandler(h))
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] Error resubscribing to %s: %v", topic, token.Error())
		}
	}
	if len(handlers) > 0 {
		log.Printf("[MQTT] Restored %d subscriptions on %s", len(handlers), b.opts.Broker)
	}
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (b *MQTTBridge) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] Connection to %s interrupted (%v), auto-reconnect will retry", b.opts.Broker, err)
	b.setConnected(false)
}

// onReconnecting is called when the client attempts to reconnect
func (b *MQTTBridge) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Printf("[MQTT] Reconnecting to %s...", b.opts.Broker)
}

func wrapHandler(h MessageHandler) mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}
}

// Subscribe registers handler for topic. The topic may contain MQTT wildcards.
func (b *MQTTBridge) Subscribe(topic string, handler MessageHandler) error {
	if !b.IsConnected() {
		return fmt.Errorf("subscribing to %s: %w", topic, ErrNotConnected)
	}

	token := b.client.Subscribe(topic, b.opts.QoS, wrapHandler(handler))
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribing to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}

	b.mu.Lock()
	b.handlers[topic] = handler
	b.mu.Unlock()
	return nil
}

// Unsubscribe removes the subscription for topic.
func (b *MQTTBridge) Unsubscribe(topic string) error {
	b.mu.Lock()
	delete(b.handlers, topic)
	b.mu.Unlock()

	if !b.IsConnected() {
		return fmt.Errorf("unsubscribing from %s: %w", topic, ErrNotConnected)
	}
	token := b.client.Unsubscribe(topic)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("unsubscribing from %s: %w", topic, token.Error())
	}
	return nil
}

// Publish sends payload to topic with the configured QoS.
func (b *MQTTBridge) Publish(topic string, payload []byte) error {
	if !b.IsConnected() {
		return fmt.Errorf("publishing to %s: %w", topic, ErrNotConnected)
	}
	token := b.client.Publish(topic, b.opts.QoS, false, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// IsConnected returns true if the MQTT client is connected
func (b *MQTTBridge) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.isConnected
}

// setConnected updates the connection status
func (b *MQTTBridge) setConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (b *MQTTBridge) Disconnect() {
	if b.client != nil && b.client.IsConnected() {
		log.Printf("[MQTT] Disconnecting from %s...", b.opts.Broker)
		b.client.Disconnect(250) // 250ms quiesce time
	}
	b.setConnected(false)
}

// Client returns the underlying paho client.
func (b *MQTTBridge) Client() mqtt.Client {
	return b.client
}
