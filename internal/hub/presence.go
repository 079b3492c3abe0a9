package hub

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/screenshare-session/config"
)

// Presence mirrors session membership into Redis so external tooling can
// observe who is connected. Mirror failures are logged only; the hub's
// in-memory state stays authoritative.
type Presence struct {
	client *redis.Client
}

// NewPresence connects the Redis mirror
func NewPresence(cfg config.RedisConfig) (*Presence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Presence{client: client}, nil
}

func participantsKey(sessionID string) string {
	return "session:" + sessionID + ":participants"
}

// Join records a participant in the session's member set
func (p *Presence) Join(ctx context.Context, sessionID, participantID string) {
	key := participantsKey(sessionID)
	if err := p.client.SAdd(ctx, key, participantID).Err(); err != nil {
		log.Printf("Failed to mirror join for %s: %v", participantID, err)
		return
	}
	p.client.Expire(ctx, key, 24*time.Hour)
}

// Leave removes a participant from the session's member set
func (p *Presence) Leave(ctx context.Context, sessionID, participantID string) {
	if err := p.client.SRem(ctx, participantsKey(sessionID), participantID).Err(); err != nil {
		log.Printf("Failed to mirror leave for %s: %v", participantID, err)
	}
}

// Close closes the Redis connection
func (p *Presence) Close() error {
	return p.client.Close()
}
