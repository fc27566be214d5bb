//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"blelock-home/internal/coordinator"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type publishFunc func(topic string, payload []byte, retained bool)

// Bridge connects the lock controller to MQTT with HA autodiscovery.
type Bridge struct {
	client pahomqtt.Client
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()
	pub    publishFunc

	// Last published state per lock topic name.
	mu     sync.Mutex
	states map[string]string
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg.TopicPrefix, logger, nil)
	b.pub = b.publishMQTT

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("blelock-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
			b.publishAllStates()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The on-connect handler publishes through b.client, so it must be set
	// before Connect.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(coord *coordinator.Coordinator, prefix string, logger *slog.Logger, pub publishFunc) *Bridge {
	return &Bridge{
		coord:  coord,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
		pub:    pub,
		states: make(map[string]string),
	}
}

// Start subscribes to controller events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	switch event.Type {
	case coordinator.EventSessionState:
		data, ok := event.Data.(coordinator.SessionStateEvent)
		if !ok {
			return
		}
		if data.State == coordinator.StateOpenSucceeded {
			b.publishLockState(b.topicName(data.MAC), StateUnlocked)
		}
	case coordinator.EventUnlockResult:
		data, ok := event.Data.(coordinator.UnlockResultEvent)
		if !ok {
			return
		}
		b.handleResult(data)
	case coordinator.EventScanStarted:
		b.pub(b.prefix+"/bridge/scanning", []byte("ON"), true)
	case coordinator.EventScanStopped:
		b.pub(b.prefix+"/bridge/scanning", []byte("OFF"), true)
	}
}

func (b *Bridge) handleResult(data coordinator.UnlockResultEvent) {
	name := b.topicName(data.MAC)
	state := StateLocked
	if data.Code == coordinator.CodeCloseFailed || data.Code == coordinator.CodeCloseError {
		state = StateJammed
	}
	b.publishLockState(name, state)
	b.pub(b.prefix+"/"+name+"/result", mustJSON(map[string]any{
		"session":  data.Session,
		"ok":       data.OK,
		"code":     data.Code,
		"message":  data.Message,
		"attempts": data.Attempts,
		"duration": data.Duration().Seconds(),
	}), true)
}

func (b *Bridge) publishLockState(name, state string) {
	b.mu.Lock()
	b.states[name] = state
	b.mu.Unlock()
	b.pub(b.prefix+"/"+name+"/state", []byte(state), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.pub(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	msg := buildBridgeDiscovery(b.prefix)
	b.pub(msg.Topic, msg.Payload, true)
	for _, e := range b.coord.Catalog().List() {
		for _, msg := range buildDiscovery(e, b.prefix) {
			b.pub(msg.Topic, msg.Payload, true)
		}
		b.logger.Info("published HA discovery", "mac", e.MAC, "name", e.Name)
	}
}

// publishAllStates republishes known states; catalogued locks with no
// recorded state are reported locked.
func (b *Bridge) publishAllStates() {
	for _, e := range b.coord.Catalog().List() {
		name := lockTopicName(e)
		b.mu.Lock()
		state, ok := b.states[name]
		b.mu.Unlock()
		if !ok {
			state = StateLocked
		}
		b.pub(b.prefix+"/"+name+"/state", []byte(state), true)
	}
}

func (b *Bridge) subscribeCommands() {
	b.client.Subscribe(b.prefix+"/bridge/scan", 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleScanCommand(msg.Payload())
	})
	for _, e := range b.coord.Catalog().List() {
		name := e.Name
		topic := b.prefix + "/" + lockTopicName(e) + "/set"
		b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleCommand(name, msg.Payload())
		})
	}
}

// handleCommand accepts a bare payload ("UNLOCK") or JSON ({"state":"UNLOCK"}).
func (b *Bridge) handleCommand(name string, payload []byte) {
	cmd := strings.TrimSpace(string(payload))
	if strings.HasPrefix(cmd, "{") {
		var body struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			b.logger.Warn("invalid command JSON", "lock", name, "err", err)
			return
		}
		cmd = body.State
	}

	switch strings.ToUpper(cmd) {
	case payloadUnlock, payloadOpen:
		s, err := b.coord.UnlockByName(name)
		if err != nil {
			b.logger.Warn("unlock command failed", "lock", name, "err", err)
			return
		}
		b.logger.Info("unlock command", "lock", name, "session", s.ID)
	case payloadLock:
		// Locks close themselves after every unlock.
		b.logger.Debug("ignoring lock command", "lock", name)
	default:
		b.logger.Warn("unknown lock command", "lock", name, "command", cmd)
	}
}

func (b *Bridge) handleScanCommand(payload []byte) {
	cmd := strings.ToUpper(strings.TrimSpace(string(payload)))
	if cmd != payloadScan && cmd != "" {
		b.logger.Warn("unknown scan command", "command", cmd)
		return
	}
	b.coord.StartScan()
}

func (b *Bridge) publishMQTT(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// topicName returns the MQTT topic name for a lock by MAC. Uncatalogued
// locks use the bare MAC.
func (b *Bridge) topicName(mac string) string {
	if e, ok := b.coord.Catalog().Lookup(mac); ok {
		return lockTopicName(e)
	}
	return strings.ReplaceAll(mac, ":", "")
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
