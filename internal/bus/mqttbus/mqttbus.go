// Package mqttbus is the paho.mqtt.golang implementation of
// lightadapter.Bus, the external message bus the Light Adapter forwards
// light state to and reads device state from (spec §4.3, §6). It plays
// the role CasaPlatform-hue's Bridge.Start gives to casaplatform/mqtt's
// client: one long-lived connection, a single dispatcher that routes
// inbound messages to per-topic handlers.
package mqttbus

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"

	"github.com/stufisher/homiehuebridge/internal/logging"
)

var log = logging.WithComponent("mqttbus")

// Config is the connection configuration a deployment's huebridge.json
// supplies for the bus (spec §6, config.Config.MQTT).
type Config struct {
	Broker   string // e.g. "tcp://127.0.0.1:1883"
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

// Bus wraps a paho client, tracking the subscriptions registered against
// it so they can be re-installed if the underlying connection resets.
type Bus struct {
	client mqtt.Client

	mu            sync.Mutex
	subscriptions map[string]func(topic string, payload []byte)
}

// New constructs and connects a Bus. Callers should call Close on
// shutdown.
func New(cfg Config) (*Bus, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout)
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b := &Bus{subscriptions: map[string]func(topic string, payload []byte){}}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("connected to broker")
		b.resubscribeAll()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithError(err).Warn("lost connection to broker")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(cfg.Timeout) && token.Error() != nil {
		return nil, errors.Wrapf(token.Error(), "connecting to broker %s", cfg.Broker)
	}
	b.client = client
	return b, nil
}

// Subscribe registers handler against topic, invoking it on every
// message delivered (satisfies lightadapter.Bus).
func (b *Bus) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	b.mu.Lock()
	b.subscriptions[topic] = handler
	b.mu.Unlock()

	return b.subscribeOnWire(topic, handler)
}

func (b *Bus) subscribeOnWire(topic string, handler func(topic string, payload []byte)) error {
	token := b.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if token.Error() != nil {
		return errors.Wrapf(token.Error(), "subscribing to %s", topic)
	}
	return nil
}

func (b *Bus) resubscribeAll() {
	b.mu.Lock()
	subs := make(map[string]func(string, []byte), len(b.subscriptions))
	for topic, handler := range b.subscriptions {
		subs[topic] = handler
	}
	b.mu.Unlock()

	for topic, handler := range subs {
		if err := b.subscribeOnWire(topic, handler); err != nil {
			log.WithError(err).WithField("topic", topic).Warn("resubscribe failed")
		}
	}
}

// Publish sends payload to topic (satisfies lightadapter.Bus).
func (b *Bus) Publish(topic string, payload []byte, retain bool) error {
	token := b.client.Publish(topic, 0, retain, payload)
	token.Wait()
	if token.Error() != nil {
		return errors.Wrapf(token.Error(), "publishing to %s", topic)
	}
	return nil
}

// Close disconnects from the broker, waiting up to quiesceMS for
// in-flight work to finish.
func (b *Bus) Close(quiesceMS uint) {
	b.client.Disconnect(quiesceMS)
}
