// Command lwn runs the LoRaWAN class-switch end-device demo against the
// simulated network stack.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lorawan-node/lwn/internal/api"
	"github.com/lorawan-node/lwn/internal/audit"
	"github.com/lorawan-node/lwn/internal/config"
	"github.com/lorawan-node/lwn/internal/device"
	"github.com/lorawan-node/lwn/internal/eventqueue"
	"github.com/lorawan-node/lwn/internal/stack"
	"github.com/lorawan-node/lwn/internal/stack/sim"
	"github.com/lorawan-node/lwn/internal/telemetry"
)

const version = "1.0.0"

func main() {
	log.Printf("Starting LoRaWAN end-device demo v%s", version)

	// Step 1: Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Println("Configuration loaded successfully")

	// Step 2: Initialize audit logger
	var auditLogger *audit.Logger
	if cfg.Audit.Dir != "" {
		auditLogger, err = audit.NewLogger(audit.Options{
			Dir:        cfg.Audit.Dir,
			MaxSizeMB:  cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAgeDays: cfg.Audit.MaxAgeDays,
		})
		if err != nil {
			log.Fatalf("Failed to initialize audit logger: %v", err)
		}
		log.Println("Audit logger initialized")
	}

	// Step 3: Initialize telemetry hub
	telemetryHub := telemetry.NewHub(cfg.Telemetry.EventBufferSize, cfg.HeartbeatInterval())
	log.Println("Telemetry hub initialized")

	// Step 4: Create the simulated stack and the event queue
	radio := sim.New(sim.Options{
		JoinDelay:         cfg.JoinDelay(),
		FailJoin:          cfg.Radio.FailJoin,
		TxAirtime:         cfg.TxAirtime(),
		DutyCycleInterval: cfg.DutyInterval(),
	})
	queue := eventqueue.New(0)

	// Step 5: Create the application controller
	initialClass := stack.ClassA
	if cfg.Device.InitialClass == "C" {
		initialClass = stack.ClassC
	}
	controller := device.NewController(radio, queue, device.Options{
		AppPort:          cfg.Device.AppPort,
		DutyCycleOn:      cfg.Device.DutyCycleOn,
		ConfirmedRetries: cfg.Device.ConfirmedRetries,
		InitialClass:     initialClass,
		RetryDelay:       cfg.RetryDelay(),
		Green:            &device.LogIndicator{Name: "green (class A)"},
		Blue:             &device.LogIndicator{Name: "blue (class C)"},
		Audit:            auditSink(auditLogger),
		Telemetry:        telemetryHub,
	})

	// Step 6: Start the operator API server
	var server *api.Server
	if cfg.API.Addr != "" {
		if cfg.API.AuthSecret == "" {
			log.Println("API auth disabled (no secret configured)")
		}
		server = api.NewServer(controller, telemetryHub, radio, api.NewAuthMiddleware(cfg.API.AuthSecret))
		go func() {
			log.Printf("Starting API server on %s", cfg.API.Addr)
			if err := server.Start(cfg.API.Addr); err != nil {
				log.Printf("API server failed: %v", err)
			}
		}()
	}

	// Step 7: Configure the stack and request the join
	if err := controller.Start(); err != nil {
		log.Fatalf("Initialization failed: %v", err)
	}

	// A signal requests a disconnect; the disconnected event then ends
	// dispatch. A second signal breaks the loop directly.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-shutdown
		log.Printf("Received signal %v, disconnecting...", sig)
		if err := radio.Disconnect(); err != nil {
			log.Printf("Disconnect failed: %v", err)
			queue.Break()
		}
		<-shutdown
		queue.Break()
	}()

	// Step 8: Dispatch events forever on the main goroutine
	queue.DispatchForever()

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	telemetryHub.Stop()
	log.Println("Telemetry hub stopped")

	if auditLogger != nil {
		if err := auditLogger.Close(); err != nil {
			log.Printf("Error closing audit logger: %v", err)
		}
		log.Println("Audit logger closed")
	}

	if server != nil {
		if err := server.Stop(ctx); err != nil {
			log.Printf("Error stopping API server: %v", err)
		} else {
			log.Println("API server stopped gracefully")
		}
	}

	log.Println("End-device demo shutdown complete")
}

// auditSink avoids storing a typed nil in the controller's interface
// field when audit logging is disabled.
func auditSink(logger *audit.Logger) device.AuditSink {
	if logger == nil {
		return nil
	}
	return logger
}
