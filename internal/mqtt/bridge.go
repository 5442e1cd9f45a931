//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/halkeye/aioasuswrt/internal/asuswrt"
	"github.com/halkeye/aioasuswrt/internal/store"
	"github.com/halkeye/aioasuswrt/internal/tracker"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge publishes tracker presence and transfer rates to MQTT with
// HA autodiscovery. Presence is read-only, there is no command topic.
type Bridge struct {
	client  pahomqtt.Client
	tracker *tracker.Tracker
	prefix  string
	logger  *slog.Logger
	unsub   func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(tr *tracker.Tracker, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		tracker: tr,
		prefix:  cfg.TopicPrefix,
		logger:  logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("asuswrt-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.publishAllStates()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to tracker events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.tracker.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event tracker.Event) {
	switch event.Type {
	case tracker.EventDeviceConnected:
		if dev, ok := event.Data.(*store.Device); ok {
			b.publishDiscovery(dev)
			b.publishDeviceState(dev)
		}
	case tracker.EventDeviceUpdated:
		if dev, ok := event.Data.(*store.Device); ok {
			b.publishDeviceState(dev)
		}
	case tracker.EventDeviceDisconnected:
		if dev, ok := event.Data.(*store.Device); ok {
			b.publishDeviceState(dev)
		}
	case tracker.EventTransferRates:
		if rates, ok := event.Data.(asuswrt.Rates); ok {
			b.publishRates(rates)
		}
	}
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	devices, err := b.tracker.ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	for _, dev := range devices {
		b.publishDiscovery(dev)
	}
	for _, msg := range buildRateSensors(b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) publishAllStates() {
	devices, err := b.tracker.ListDevices()
	if err != nil {
		b.logger.Error("list devices for state publish", "err", err)
		return
	}
	for _, dev := range devices {
		b.publishDeviceState(dev)
	}
}

func (b *Bridge) publishDiscovery(dev *store.Device) {
	msg := buildDeviceDiscovery(dev, b.prefix)
	b.publish(msg.Topic, msg.Payload, true)
	b.logger.Debug("published HA discovery", "mac", dev.MAC, "name", dev.DisplayName())
}

// publishDeviceState publishes home/not_home plus an attributes
// document with the address details.
func (b *Bridge) publishDeviceState(dev *store.Device) {
	base := b.prefix + "/" + deviceTopicName(dev)

	state := "not_home"
	if dev.Online {
		state = "home"
	}
	b.publish(base+"/state", []byte(state), true)

	attrs := map[string]any{
		"mac":       dev.MAC,
		"ip":        dev.IP,
		"hostname":  dev.Hostname,
		"last_seen": dev.LastSeen.Format(time.RFC3339),
	}
	b.publish(base+"/attributes", mustJSON(attrs), true)
}

func (b *Bridge) publishRates(rates asuswrt.Rates) {
	b.publish(b.prefix+"/bridge/rates", mustJSON(rates), false)
}

// RemoveDevice clears the retained discovery entry for a forgotten
// device.
func (b *Bridge) RemoveDevice(dev *store.Device) {
	for _, msg := range buildRemoveDiscovery(dev) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
