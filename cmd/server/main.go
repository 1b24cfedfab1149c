package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/term"

	"github.com/aeolun/concord/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "~/.concord/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	dbPath := flag.String("db", "", "Path to SQLite database (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	noConsole := flag.Bool("no-console", false, "Do not read operator commands from stdin")
	flag.Parse()

	if *version {
		fmt.Printf("Concord Server %s\n", Version)
		os.Exit(0)
	}

	if *debug {
		server.EnableDebugLogging(os.Stderr)
		log.Printf("Debug logging enabled")
	}

	// Creates a default file on first start
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	resolvedConfigPath, err := server.ExpandPath(*configPath)
	if err != nil {
		log.Fatalf("Failed to resolve config path: %v", err)
	}
	if absPath, err := filepath.Abs(resolvedConfigPath); err == nil {
		resolvedConfigPath = absPath
	}

	if *port != 0 {
		config.Server.TCPPort = *port
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}

	finalDBPath, err := config.GetDatabasePath()
	if err != nil {
		log.Fatalf("Failed to resolve database path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(finalDBPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	serverConfig := config.ToServerConfig()
	srv, err := server.NewServer(finalDBPath, serverConfig, server.NewConfigStore(resolvedConfigPath, config))
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	log.Printf("Config: %s", resolvedConfigPath)
	log.Printf("Database: %s", finalDBPath)

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("Concord server %s started", Version)
	log.Printf("Available connection methods:")
	log.Printf("  - TCP: %s", srv.Addr())
	if addr := srv.SSHAddr(); addr != nil {
		log.Printf("  - SSH: %s (host key %s)", addr, serverConfig.SSHHostKeyPath)
	}
	if addr := srv.WebSocketAddr(); addr != nil {
		log.Printf("  - WebSocket: ws://%s%s", addr, server.WebSocketPath)
	}

	channels := srv.Channels().Channels()
	log.Printf("Channels (%d):", len(channels))
	for _, ch := range channels {
		log.Printf("  - %s: %s", ch, ch.Description())
	}

	if !*noConsole && term.IsTerminal(int(os.Stdin.Fd())) {
		log.Printf("Type help for operator commands")
		go func() {
			if err := server.NewConsole(srv, os.Stdout).Run(os.Stdin); err != nil {
				log.Printf("Console stopped: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-srv.Done():
	}

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
