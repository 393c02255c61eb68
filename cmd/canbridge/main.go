package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/automotive-pi/canbridge/internal/bridge"
	"github.com/automotive-pi/canbridge/internal/canbus"
	"github.com/automotive-pi/canbridge/internal/mqtt"
	"github.com/automotive-pi/canbridge/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/canbridge/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated ECU instead of real hardware")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] canbridge starting")

	// Load config
	cfg := server.LoadConfig(*configPath)

	if *demo {
		cfg.Bus.Type = "sim"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	session := bridge.New(dialFunc(cfg))
	defer session.Deinitialize()

	// Bring the bus up with exponential backoff (non-blocking — the API
	// and /api/initialize work regardless)
	go connectWithRetry(ctx, session, busName(cfg), 10)

	// MQTT bridge is optional
	if cfg.MQTT.Enabled {
		mq := mqtt.New(cfg.MQTT, session)
		if err := mq.Start(); err != nil {
			log.Printf("[main] mqtt bridge unavailable: %v", err)
		} else {
			defer mq.Stop()
		}
	}

	srv := server.New(cfg, session)
	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
	}
}

// dialFunc builds the transport factory for the configured bus type. The
// interface name passed at initialize time only matters for socketcan;
// slcan and sim take their settings from the config.
func dialFunc(cfg *server.Config) bridge.DialFunc {
	switch cfg.Bus.Type {
	case "socketcan":
		return func(name string) (canbus.Transport, error) {
			return canbus.OpenSocketCAN(name)
		}
	case "slcan":
		return func(name string) (canbus.Transport, error) {
			return canbus.OpenSLCAN(canbus.SLCANConfig{
				PortPath: cfg.Bus.SerialPort,
				BaudRate: cfg.Bus.BaudRate,
				Bitrate:  lawicelCode(cfg.Bus.Bitrate),
			})
		}
	case "sim":
		return func(name string) (canbus.Transport, error) {
			return canbus.NewSim(), nil
		}
	default:
		return func(name string) (canbus.Transport, error) {
			return nil, fmt.Errorf("unknown bus type %q", cfg.Bus.Type)
		}
	}
}

// busName returns the interface name used for the initial connect.
func busName(cfg *server.Config) string {
	if cfg.Bus.Type == "slcan" {
		return cfg.Bus.SerialPort
	}
	return cfg.Bus.Interface
}

// lawicelCode maps a bus bitrate in bit/s to the LAWICEL "Sn" setup
// code. Unknown rates fall back to 500 kbit/s, the OBD-II standard.
func lawicelCode(bitrate int) int {
	switch bitrate {
	case 10000:
		return 0
	case 20000:
		return 1
	case 50000:
		return 2
	case 100000:
		return 3
	case 125000:
		return 4
	case 250000:
		return 5
	case 500000:
		return 6
	case 800000:
		return 7
	case 1000000:
		return 8
	default:
		return 6
	}
}

// connectWithRetry attempts to bring the bus session up with exponential
// backoff. Starts at 1s, doubles each attempt up to 60s, retries up to
// maxAttempts then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, session *bridge.Session, name string, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := session.Initialize(name); err != nil {
			attempt++
			if attempt <= maxAttempts {
				log.Printf("[bus] connect attempt %d/%d failed: %v (retry in %v)",
					attempt, maxAttempts, err, delay)
			} else {
				log.Printf("[bus] connect attempt %d failed: %v (retry in %v)",
					attempt, err, delay)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		} else {
			log.Printf("[bus] connected to %s (attempt %d)", name, attempt+1)
			return
		}
	}
}
