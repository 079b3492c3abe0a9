package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mossy-p/screenshare-session/config"
	"github.com/mossy-p/screenshare-session/internal/models"
	"github.com/mossy-p/screenshare-session/internal/session"
	"github.com/mossy-p/screenshare-session/internal/signaling"
)

func main() {
	// Load configuration
	cfg := config.Load()
	if cfg.SessionID == "" {
		log.Fatal("SESSION_ID is required")
	}
	if cfg.ParticipantID == "" {
		// Viewers address the host by this id, so it must be predictable.
		cfg.ParticipantID = cfg.HostID
	}

	transport, err := signaling.Dial(cfg, "host")
	if err != nil {
		log.Fatalf("Failed to connect signaling transport: %v", err)
	}
	defer transport.Close()

	host := session.NewHost(cfg.ParticipantID, transport, session.HostOptions{
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		SampleInterval:       cfg.SampleInterval,
		OnControlRequest: func(viewerID string) {
			log.Printf("Control requested by %s", viewerID)
		},
		OnInput: func(viewerID string, ev models.InputEvent) {
			// Injecting the event into the OS is the embedder's concern.
			log.Printf("Input from %s: %s", viewerID, ev.Kind)
		},
		OnPeerState: func(viewerID string, s models.ConnectionState) {
			log.Printf("Viewer %s is now %s", viewerID, s)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Hosting session %s as %s", cfg.SessionID, cfg.ParticipantID)
	if err := host.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Session ended: %v", err)
	}
}
