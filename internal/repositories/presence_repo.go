package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/orderrelay/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "presence:subscriber:"
	// Refreshed on every pong; a subscriber that stops answering pings
	// drops out on its own.
	DefaultPresenceTTL = 90 * time.Second
)

type RedisPresenceRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPresenceRepository(client *redis.Client, ttl time.Duration) *RedisPresenceRepository {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &RedisPresenceRepository{client: client, ttl: ttl}
}

// SetPresence records the subscriber as online and restarts its TTL.
func (r *RedisPresenceRepository) SetPresence(ctx context.Context, presence *models.Presence) error {
	presence.LastSeen = time.Now().UTC()
	if presence.Status == "" {
		presence.Status = string(models.StatusOnline)
	}

	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	err = r.client.Set(ctx, presenceKey(presence.SubscriberID), data, r.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}

	return nil
}

func (r *RedisPresenceRepository) GetPresence(ctx context.Context, subscriberID uuid.UUID) (*models.Presence, error) {
	data, err := r.client.Get(ctx, presenceKey(subscriberID)).Result()
	if err == redis.Nil {
		p := offline(subscriberID)
		return &p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}

	var presence models.Presence
	if err := json.Unmarshal([]byte(data), &presence); err != nil {
		return nil, fmt.Errorf("failed to unmarshal presence: %w", err)
	}

	return &presence, nil
}

func (r *RedisPresenceRepository) DeletePresence(ctx context.Context, subscriberID uuid.UUID) error {
	if err := r.client.Del(ctx, presenceKey(subscriberID)).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

// GetBulkPresence fetches presence for many subscribers in one round trip.
// Missing or unreadable entries come back as offline.
func (r *RedisPresenceRepository) GetBulkPresence(ctx context.Context, subscriberIDs []uuid.UUID) (map[uuid.UUID]models.Presence, error) {
	presenceMap := make(map[uuid.UUID]models.Presence, len(subscriberIDs))
	if len(subscriberIDs) == 0 {
		return presenceMap, nil
	}

	keys := make([]string, len(subscriberIDs))
	for i, id := range subscriberIDs {
		keys[i] = presenceKey(id)
	}

	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bulk presence: %w", err)
	}

	for i, result := range results {
		id := subscriberIDs[i]

		data, ok := result.(string)
		if !ok {
			presenceMap[id] = offline(id)
			continue
		}

		var presence models.Presence
		if err := json.Unmarshal([]byte(data), &presence); err != nil {
			presenceMap[id] = offline(id)
			continue
		}
		presenceMap[id] = presence
	}

	return presenceMap, nil
}

func offline(id uuid.UUID) models.Presence {
	return models.Presence{
		SubscriberID: id,
		Status:       string(models.StatusOffline),
	}
}

func presenceKey(id uuid.UUID) string {
	return presenceKeyPrefix + id.String()
}
