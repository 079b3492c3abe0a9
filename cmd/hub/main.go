package main

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/screenshare-session/config"
	"github.com/mossy-p/screenshare-session/internal/hub"
)

func main() {
	// Load configuration
	cfg := config.Load()

	var opts []hub.Option
	if cfg.JWTSecret != "" {
		opts = append(opts, hub.WithJWTSecret(cfg.JWTSecret))
	}
	if len(cfg.ICEURLs) > 0 {
		opts = append(opts, hub.WithICEServers([]webrtc.ICEServer{{
			URLs:       cfg.ICEURLs,
			Username:   cfg.ICEUsername,
			Credential: cfg.ICECredential,
		}}))
	}

	// Mirror presence into Redis when configured
	if cfg.Redis.Host != "" {
		presence, err := hub.NewPresence(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer presence.Close()

		log.Println("Redis connection established")
		opts = append(opts, hub.WithPresence(presence))
	}

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(hub.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	hub.New(opts...).Register(router)

	// Start server
	log.Printf("Starting signaling hub on port %s", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
