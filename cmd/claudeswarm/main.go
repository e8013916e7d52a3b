// ClaudeSwarm orchestration server - spawns, supervises and multiplexes a
// population of LLM CLI agent processes behind an HTTP/SSE API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/simonstaton/claudeswarm/pkg/agent"
	"github.com/simonstaton/claudeswarm/pkg/api"
	"github.com/simonstaton/claudeswarm/pkg/archive"
	"github.com/simonstaton/claudeswarm/pkg/bus"
	"github.com/simonstaton/claudeswarm/pkg/config"
	"github.com/simonstaton/claudeswarm/pkg/depcache"
	"github.com/simonstaton/claudeswarm/pkg/memorypressure"
	"github.com/simonstaton/claudeswarm/pkg/sanitize"
	"github.com/simonstaton/claudeswarm/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	if err := godotenv.Load(*configDir + "/.env"); err != nil {
		log.Printf("Warning: could not load %s/.env: %v", *configDir, err)
		log.Printf("Continuing with existing environment variables...")
	}

	gin.SetMode(getEnv("GIN_MODE", "release"))

	log.Printf("Starting ClaudeSwarm %s", version.Version)

	srvCfg := config.LoadServer()
	log.Printf("HTTP Port: %s", srvCfg.HTTPPort)
	log.Printf("Persistent Dir: %s", srvCfg.PersistentDir)

	guardrails := config.NewGuardrails()
	if err := config.LoadGuardrailsFile(guardrails, *configDir); err != nil {
		log.Fatalf("Failed to load guardrails: %v", err)
	}

	sanitizer := sanitize.NewService()
	probe := memorypressure.NewProbe(config.MemoryPressureThreshold)
	messageBus := bus.New(srvCfg.MessagesPath)

	eventArchive, err := archive.Open(srvCfg.ArchivePath)
	if err != nil {
		log.Printf("Warning: event archive disabled: %v", err)
		eventArchive = nil
	}

	ctx := context.Background()

	depCache := depcache.NewService(srvCfg.PersistentDir + "/dep-cache")
	depCache.Start(ctx)

	opts := agent.Options{
		Sanitizer:     sanitizer,
		Guardrails:    guardrails,
		Pressure:      probe,
		Bus:           messageBus,
		WorkspacesDir: srvCfg.WorkspacesDir,
		CLIBinary:     srvCfg.CLIBinary,
	}
	if eventArchive != nil {
		opts.Archive = eventArchive
	}
	manager := agent.NewManager(opts)
	manager.Start(ctx)

	server := api.NewServer(manager, messageBus, guardrails, probe, depCache, eventArchive)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(":" + srvCfg.HTTPPort) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	case sig := <-stop:
		log.Printf("Received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("Error stopping HTTP server: %v", err)
	}
	manager.Stop()
	manager.Shutdown()
	if err := messageBus.Flush(); err != nil {
		log.Printf("Error flushing message bus: %v", err)
	}
	if eventArchive != nil {
		if err := eventArchive.Close(); err != nil {
			log.Printf("Error closing event archive: %v", err)
		}
	}
	log.Println("Shutdown complete")
}
