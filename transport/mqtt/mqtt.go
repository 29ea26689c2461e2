// Package mqtt provides an MQTT transport that carries raw link bytes.
//
// Each MQTT message on "{prefix}/{linkID}/rx" is one reception: its payload
// is written into the armed receive buffer and the receive handler is called
// with the byte count. StartTransmit publishes the encoded wire bytes to
// "{prefix}/{linkID}/tx". Payloads are the raw stuffed frame bytes; nothing
// is added around them.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kabili207/serialframe-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultTopicPrefix is the default MQTT topic prefix.
	DefaultTopicPrefix = "serialframe"

	publishTimeout = 10 * time.Second
)

// Config holds the configuration for an MQTT transport.
type Config struct {
	// Broker is the MQTT broker URL (e.g., "tcp://broker.example.com:1883").
	Broker string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// UseTLS enables TLS for the MQTT connection.
	UseTLS bool
	// ClientID is the MQTT client identifier. If empty, one is generated.
	ClientID string
	// TopicPrefix is the MQTT topic prefix (default: "serialframe").
	TopicPrefix string
	// LinkID names the link. The transport subscribes to
	// "{TopicPrefix}/{LinkID}/rx" and publishes to "{TopicPrefix}/{LinkID}/tx".
	LinkID string
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over MQTT.
type Transport struct {
	cfg            Config
	client         paho.Client
	log            *slog.Logger
	mu             sync.RWMutex
	connected      bool
	receiveHandler transport.ReceiveHandler
	stateHandler   transport.StateHandler

	rxMu      sync.Mutex
	armed     []byte
	dropped   atomic.Uint32
	truncated atomic.Uint32
}

// New creates a new MQTT transport with the given configuration.
func New(cfg Config) *Transport {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("mqtt"),
	}
}

// Start connects to the MQTT broker and subscribes to the receive topic.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Broker == "" {
		return errors.New("broker URL is required")
	}
	if t.cfg.LinkID == "" {
		return errors.New("link ID is required")
	}

	clientID := t.cfg.ClientID
	if clientID == "" {
		clientID = "serialframe-" + uuid.NewString()
	}

	// Receptions must reach the link one at a time, in arrival order.
	opts := paho.NewClientOptions().
		AddBroker(t.cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(2 * time.Minute).
		SetKeepAlive(60 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetOnConnectHandler(t.onConnected).
		SetConnectionLostHandler(t.onConnectionLost).
		SetReconnectingHandler(t.onReconnecting)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	if t.cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		})
	}

	client := paho.NewClient(opts)
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(30 * time.Second):
		t.abort()
		return errors.New("connection timeout")
	case <-ctx.Done():
		t.abort()
		return ctx.Err()
	}
	if token.Error() != nil {
		t.abort()
		return fmt.Errorf("connecting to broker: %w", token.Error())
	}

	return nil
}

// abort stops a client whose connection attempt failed, ending its connect
// retries.
func (t *Transport) abort() {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.connected = false
	t.mu.Unlock()

	if client != nil {
		client.Disconnect(0)
	}
}

// Stop gracefully disconnects from the MQTT broker.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		t.client.Disconnect(1000)
		t.connected = false
	}
	return nil
}

// IsConnected returns true if the transport is connected to the broker.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && t.client != nil && t.client.IsConnected()
}

// SetReceiveHandler sets the callback for completed receptions.
func (t *Transport) SetReceiveHandler(fn transport.ReceiveHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiveHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// StartReceive arms reception into buf. The next message on the receive
// topic is written into it.
func (t *Transport) StartReceive(buf []byte) error {
	if len(buf) == 0 {
		return errors.New("receive buffer is empty")
	}
	t.rxMu.Lock()
	defer t.rxMu.Unlock()
	t.armed = buf
	return nil
}

// StartTransmit publishes a copy of buf to the transmit topic. It does not
// wait for the broker; publish failures are logged.
func (t *Transport) StartTransmit(buf []byte) error {
	if !t.IsConnected() {
		return errors.New("not connected")
	}

	t.mu.RLock()
	client := t.client
	t.mu.RUnlock()

	payload := append([]byte(nil), buf...)
	topic := t.topic("tx")
	token := client.Publish(topic, 0, false, payload)

	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				t.log.Warn("publish failed", "topic", topic, "error", err)
			}
		case <-time.After(publishTimeout):
			t.log.Warn("publish timed out", "topic", topic)
		}
	}()
	return nil
}

// Dropped returns the number of messages discarded because no buffer was
// armed.
func (t *Transport) Dropped() uint32 {
	return t.dropped.Load()
}

// Truncated returns the number of messages that did not fit the armed
// buffer.
func (t *Transport) Truncated() uint32 {
	return t.truncated.Load()
}

func (t *Transport) topic(dir string) string {
	return t.cfg.TopicPrefix + "/" + t.cfg.LinkID + "/" + dir
}

func (t *Transport) subscribe(client paho.Client) {
	topic := t.topic("rx")
	client.Subscribe(topic, 0, t.handleMessage)
	t.log.Debug("subscribed to link topic", "topic", topic)
}

func (t *Transport) handleMessage(_ paho.Client, message paho.Message) {
	t.deliver(message.Payload())
}

// deliver completes one reception with data.
func (t *Transport) deliver(data []byte) {
	t.rxMu.Lock()
	buf := t.armed
	t.armed = nil
	t.rxMu.Unlock()

	if buf == nil {
		t.dropped.Add(1)
		t.log.Debug("dropping message, no reception armed", "len", len(data))
		return
	}

	n := copy(buf, data)
	if n < len(data) {
		t.truncated.Add(1)
		t.log.Debug("message truncated to receive buffer", "len", len(data), "cap", len(buf))
	}

	t.mu.RLock()
	handler := t.receiveHandler
	t.mu.RUnlock()

	if handler != nil {
		handler(n)
	}
}

func (t *Transport) onConnected(client paho.Client) {
	t.mu.Lock()
	t.connected = true
	handler := t.stateHandler
	t.mu.Unlock()

	t.subscribe(client)
	t.log.Info("connected to MQTT broker", "broker", t.cfg.Broker)

	if handler != nil {
		handler(t, transport.EventConnected)
	}
}

func (t *Transport) onConnectionLost(_ paho.Client, err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	t.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}

func (t *Transport) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	t.mu.RLock()
	handler := t.stateHandler
	t.mu.RUnlock()

	t.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(t, transport.EventReconnecting)
	}
}
