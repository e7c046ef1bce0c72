package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mfalcao/convoy-ops/internal/types"
)

// RedisClientInterface defines the Redis operations used by our client
type RedisClientInterface interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Client is dispatchd's latest-state cache: the current journey record per
// journey id and the freshest presence record per actor.
type Client struct {
	client RedisClientInterface
}

// New creates a new Redis client
func New(addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // no password set
		DB:       0,  // use default DB
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client}, nil
}

// NewWithClient creates a client over a custom RedisClientInterface
// (useful for testing).
func NewWithClient(client RedisClientInterface) *Client {
	return &Client{client: client}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// getData retrieves data from Redis and unmarshals it into the target.
// A missing key leaves the target untouched and returns nil.
func (c *Client) getData(ctx context.Context, key string, target interface{}, dataType string) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s data: %w", dataType, err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s data: %w", dataType, err)
	}
	return true, nil
}

// StoreJourney caches the latest journey record.
func (c *Client) StoreJourney(ctx context.Context, j *types.Journey) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal journey: %w", err)
	}
	key := fmt.Sprintf("journey:%s", j.ID)
	return c.client.Set(ctx, key, data, 24*time.Hour).Err()
}

// GetJourney retrieves a cached journey, or nil when absent.
func (c *Client) GetJourney(ctx context.Context, journeyID string) (*types.Journey, error) {
	key := fmt.Sprintf("journey:%s", journeyID)
	var j types.Journey
	found, err := c.getData(ctx, key, &j, "journey")
	if err != nil || !found {
		return nil, err
	}
	return &j, nil
}

// DeleteJourney removes a journey from the cache (archival).
func (c *Client) DeleteJourney(ctx context.Context, journeyID string) error {
	key := fmt.Sprintf("journey:%s", journeyID)
	return c.client.Del(ctx, key).Err()
}

// StorePresence caches the freshest presence record for an actor.
func (c *Client) StorePresence(ctx context.Context, r *types.PresenceRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}
	key := fmt.Sprintf("presence:%s", r.ActorID)
	return c.client.Set(ctx, key, data, 1*time.Hour).Err()
}

// GetPresence retrieves the cached presence record for an actor, or nil.
func (c *Client) GetPresence(ctx context.Context, actorID string) (*types.PresenceRecord, error) {
	key := fmt.Sprintf("presence:%s", actorID)
	var r types.PresenceRecord
	found, err := c.getData(ctx, key, &r, "presence")
	if err != nil || !found {
		return nil, err
	}
	return &r, nil
}

// DeletePresence removes an actor's presence record.
func (c *Client) DeletePresence(ctx context.Context, actorID string) error {
	key := fmt.Sprintf("presence:%s", actorID)
	return c.client.Del(ctx, key).Err()
}

// SetJourneyArchived marks a journey archived in the cache so dispatchd can
// reject transitions without a database round trip. Archival itself is
// driven by the reference-data screens, outside this service.
func (c *Client) SetJourneyArchived(ctx context.Context, journeyID string, archived bool) error {
	key := fmt.Sprintf("archived:%s", journeyID)
	value := "0"
	if archived {
		value = "1"
	}
	return c.client.Set(ctx, key, value, 24*time.Hour).Err()
}

// GetJourneyArchived reports whether the cache marks a journey archived.
func (c *Client) GetJourneyArchived(ctx context.Context, journeyID string) (bool, error) {
	key := fmt.Sprintf("archived:%s", journeyID)
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get archived flag: %w", err)
	}
	return val == "1", nil
}
