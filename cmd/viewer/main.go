package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/mossy-p/screenshare-session/config"
	"github.com/mossy-p/screenshare-session/internal/models"
	"github.com/mossy-p/screenshare-session/internal/quality"
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
		cfg.ParticipantID = uuid.NewString()
	}

	transport, err := signaling.Dial(cfg, "viewer")
	if err != nil {
		log.Fatalf("Failed to connect signaling transport: %v", err)
	}
	defer transport.Close()

	var viewer *session.Viewer
	reporter := quality.NewReporter(cfg.SignalingURL, cfg.SessionID, cfg.ParticipantID, cfg.ReportInterval,
		func() (models.QualityMetrics, bool) {
			if viewer == nil {
				return models.QualityMetrics{}, false
			}
			return viewer.LastSample()
		})

	viewer = session.NewViewer(cfg.ParticipantID, transport, session.ViewerOptions{
		HostID:               cfg.HostID,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		SampleInterval:       cfg.SampleInterval,
		Reporter:             reporter,
		OnState: func(s models.ConnectionState) {
			log.Printf("Connection to host is now %s", s)
		},
		OnControlState: func(s models.ControlState) {
			log.Printf("Remote control: %s", s)
		},
		OnKicked: func(reason string) {
			log.Printf("Removed from session: %s", reason)
		},
		OnTrack: func(track session.RemoteTrack) {
			// Rendering is the embedder's concern.
			log.Printf("Receiving %s track %s", track.Kind(), track.ID())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Joining session %s as %s", cfg.SessionID, cfg.ParticipantID)
	if err := viewer.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Session ended: %v", err)
	}
}
