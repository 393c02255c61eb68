// Package mqtt exposes the bus session over an MQTT broker: periodic
// telemetry publishes plus a command topic that maps read requests onto
// the bridge and answers on a response topic.
package mqtt

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/automotive-pi/canbridge/internal/bridge"
)

// Config holds MQTT client configuration.
type Config struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Broker       string `yaml:"broker" json:"broker"` // e.g. "tcp://localhost:1883"
	Username     string `yaml:"username" json:"username"`
	Password     string `yaml:"password" json:"-"`
	ClientID     string `yaml:"client_id" json:"clientId"` // generated when empty
	DataTopic    string `yaml:"data_topic" json:"dataTopic"`
	CommandTopic string `yaml:"command_topic" json:"commandTopic"`
	QoS          byte   `yaml:"qos" json:"qos"`
	IntervalMs   int    `yaml:"interval_ms" json:"intervalMs"` // telemetry publish period
}

// DefaultConfig returns the defaults used when the config file has no
// mqtt section.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		Broker:       "tcp://localhost:1883",
		DataTopic:    "canbridge/telemetry",
		CommandTopic: "canbridge/command",
		QoS:          1,
		IntervalMs:   1000,
	}
}

// generateClientID returns a random broker client identifier.
func generateClientID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return "canbridge-" + hex.EncodeToString(b)
}

// Command is the JSON payload accepted on the command topic.
type Command struct {
	Action string `json:"action"` // "read" or "stats"
	PID    byte   `json:"pid,omitempty"`
}

// Response is published on <command topic>/response.
type Response struct {
	OK      bool            `json:"ok"`
	Reading *bridge.Reading `json:"reading,omitempty"`
	Stats   *bridge.Stats   `json:"stats,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// parseCommand validates a command payload.
func parseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("malformed command: %w", err)
	}
	switch cmd.Action {
	case "read", "stats":
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("unknown action %q", cmd.Action)
	}
}

// Bridge connects a bus session to a broker.
type Bridge struct {
	cfg     Config
	session *bridge.Session
	client  pahomqtt.Client
	stop    chan struct{}
}

// New creates an MQTT bridge for the session.
func New(cfg Config, session *bridge.Session) *Bridge {
	if cfg.ClientID == "" {
		cfg.ClientID = generateClientID()
	}
	if cfg.IntervalMs <= 0 {
		cfg.IntervalMs = 1000
	}
	return &Bridge{cfg: cfg, session: session, stop: make(chan struct{})}
}

// Start connects to the broker, subscribes to the command topic and
// begins periodic telemetry publishes.
func (b *Bridge) Start() error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetClientID(b.cfg.ClientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(client pahomqtt.Client) {
		log.Printf("[mqtt] connected to %s", b.cfg.Broker)
		token := client.Subscribe(b.cfg.CommandTopic, b.cfg.QoS, b.onCommand)
		token.Wait()
		if token.Error() != nil {
			log.Printf("[mqtt] subscribe %s: %v", b.cfg.CommandTopic, token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(client pahomqtt.Client, err error) {
		log.Printf("[mqtt] connection lost: %v", err)
	})

	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("mqtt connect %s: %w", b.cfg.Broker, token.Error())
	}

	go b.telemetryLoop()
	return nil
}

// Stop disconnects from the broker.
func (b *Bridge) Stop() {
	close(b.stop)
	if b.client != nil && b.client.IsConnected() {
		b.client.Unsubscribe(b.cfg.CommandTopic)
		b.client.Disconnect(250)
	}
}

func (b *Bridge) telemetryLoop() {
	ticker := time.NewTicker(time.Duration(b.cfg.IntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			stats := b.session.Stats()
			if !stats.Connected {
				continue
			}
			payload, err := json.Marshal(struct {
				Readings map[string]float64 `json:"readings"`
				Stats    bridge.Stats       `json:"stats"`
				Stamp    int64              `json:"stamp"`
			}{b.session.Readings(), stats, time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			b.publish(b.cfg.DataTopic, payload)
		}
	}
}

func (b *Bridge) onCommand(client pahomqtt.Client, msg pahomqtt.Message) {
	cmd, err := parseCommand(msg.Payload())
	if err != nil {
		log.Printf("[mqtt] %v", err)
		b.respond(Response{OK: false, Error: err.Error()})
		return
	}

	switch cmd.Action {
	case "read":
		reading, err := b.session.ReadParameter(cmd.PID)
		if err != nil {
			b.respond(Response{OK: false, Error: err.Error()})
			return
		}
		b.respond(Response{OK: true, Reading: &reading})
	case "stats":
		stats := b.session.Stats()
		b.respond(Response{OK: true, Stats: &stats})
	}
}

func (b *Bridge) respond(rsp Response) {
	payload, err := json.Marshal(rsp)
	if err != nil {
		return
	}
	b.publish(b.cfg.CommandTopic+"/response", payload)
}

func (b *Bridge) publish(topic string, payload []byte) {
	if b.client == nil || !b.client.IsConnected() {
		return
	}
	token := b.client.Publish(topic, b.cfg.QoS, false, payload)
	token.Wait()
	if token.Error() != nil {
		log.Printf("[mqtt] publish %s: %v", topic, token.Error())
	}
}
