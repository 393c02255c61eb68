package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/automotive-pi/canbridge/internal/framelog"
	"github.com/automotive-pi/canbridge/internal/mqtt"
)

// Config holds all bridge configuration.
type Config struct {
	mu sync.RWMutex

	// Bus link
	Bus BusConfig `yaml:"bus" json:"bus"`

	// Parameter polling
	Poll PollConfig `yaml:"poll" json:"poll"`

	// HTTP/WebSocket surface
	Server ServerConfig `yaml:"server" json:"server"`

	// MQTT bridge
	MQTT mqtt.Config `yaml:"mqtt" json:"mqtt"`

	// Raw frame capture
	FrameLog framelog.Config `yaml:"framelog" json:"framelog"`

	path string // file path for save/load
}

type BusConfig struct {
	Type       string `yaml:"type" json:"type"`              // "socketcan", "slcan" or "sim"
	Interface  string `yaml:"interface" json:"interface"`    // e.g. can0 (socketcan)
	SerialPort string `yaml:"serial_port" json:"serialPort"` // e.g. /dev/ttyUSB0 (slcan)
	BaudRate   int    `yaml:"baud_rate" json:"baudRate"`     // serial line rate (slcan)
	Bitrate    int    `yaml:"bitrate" json:"bitrate"`        // bus bitrate, bit/s
}

type PollConfig struct {
	Hz int `yaml:"hz" json:"hz"` // request rate per parameter
	// PIDs to poll; empty means every known parameter. Ints rather than
	// bytes so YAML and JSON render them as a plain number list.
	PIDs []int `yaml:"pids" json:"pids"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Bus: BusConfig{
			Type:       "sim",
			Interface:  "can0",
			SerialPort: "/dev/ttyUSB0",
			BaudRate:   115200,
			Bitrate:    500000,
		},
		Poll: PollConfig{
			Hz:   10,
			PIDs: nil,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
		MQTT: mqtt.DefaultConfig(),
		FrameLog: framelog.Config{
			Enabled: false,
			Path:    "/var/log/canbridge",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		// Strip surrounding quotes
		val = strings.Trim(val, `"'`)
		// Only set if not already set in real env (real env takes precedence)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: BUS_TYPE, BUS_INTERFACE, BUS_SERIAL_PORT, BUS_BAUD, BUS_BITRATE,
// POLL_HZ, LISTEN_ADDR, MQTT_ENABLED, MQTT_BROKER, MQTT_USERNAME,
// MQTT_PASSWORD, FRAMELOG_ENABLED, FRAMELOG_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BUS_TYPE"); v != "" {
		c.Bus.Type = v
	}
	if v := os.Getenv("BUS_INTERFACE"); v != "" {
		c.Bus.Interface = v
	}
	if v := os.Getenv("BUS_SERIAL_PORT"); v != "" {
		c.Bus.SerialPort = v
	}
	if v := os.Getenv("BUS_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.BaudRate = n
		}
	}
	if v := os.Getenv("BUS_BITRATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.Bitrate = n
		}
	}
	if v := os.Getenv("POLL_HZ"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Poll.Hz = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("FRAMELOG_ENABLED"); v != "" {
		c.FrameLog.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("FRAMELOG_PATH"); v != "" {
		c.FrameLog.Path = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/canbridge/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved (e.g. serial ports, topics, capture paths).
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current config to a generic map
	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	// Unmarshal incoming partial update to a map
	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	// Deep merge patch into base
	deepMerge(base, patch)

	// Marshal merged result and unmarshal back into the config struct
	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
