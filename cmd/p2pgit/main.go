package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/omnicloud/p2pgit/internal/config"
	"github.com/omnicloud/p2pgit/internal/node"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	var (
		configPath = flag.String("config", "", "path to a p2p-git config file (key=value per line)")
		swarmID    = flag.String("swarm", "", "swarm id to join on startup")
		repoDir    = flag.String("dir", "", "working directory for -swarm (cloned into if empty)")
	)
	flag.Parse()

	log.Printf("Starting p2p-git v%s...", Version)

	if logPath := os.Getenv("P2PGIT_LOG_FILE"); logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			log.Printf("Warning: failed to open log file %q: %v", logPath, err)
		} else {
			defer f.Close()
			log.SetOutput(io.MultiWriter(os.Stdout, f))
			log.Printf("Logging to %s", logPath)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Configuration loaded:")
	log.Printf("  Peer ID: %s", cfg.DefaultPeerID)
	log.Printf("  Listen port: %d", cfg.ListenPort)
	if cfg.DefaultTracker != "" {
		log.Printf("  Default tracker: %s", cfg.DefaultTracker)
	}
	if cfg.MonitorAddr != "" {
		log.Printf("  Monitor: http://%s", cfg.MonitorAddr)
	}

	n, err := node.New(cfg, log.Default())
	if err != nil {
		log.Fatalf("Failed to construct node: %v", err)
	}

	if *swarmID != "" {
		dir := *repoDir
		if dir == "" {
			dir = *swarmID
		}
		if _, err := n.AddSwarm(*swarmID, dir); err != nil {
			log.Fatalf("Failed to add swarm %s: %v", *swarmID, err)
		}
		log.Printf("Joined swarm %s in %s", *swarmID, dir)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutdown signal received, stopping p2p-git...")
		cancel()
	}()

	log.Println("p2p-git is running")
	log.Println("Press Ctrl+C to stop")

	if err := n.Run(ctx); err != nil {
		log.Fatalf("node exited with error: %v", err)
	}

	log.Println("p2p-git stopped")
}
