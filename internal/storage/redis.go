package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisClient struct {
	client *redis.Client
}

func NewRedisClient(ctx context.Context, redisURL, password string, db int) (*RedisClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	if db != 0 {
		opts.DB = db
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func banKey(userID string) string {
	return fmt.Sprintf("ban:%s", userID)
}

func matchesChannel(userID string) string {
	return fmt.Sprintf("user:%s:matches", userID)
}

// IsUserBanned reports whether moderation has placed a ban key on the user.
func (r *RedisClient) IsUserBanned(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.Exists(ctx, banKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// BanUser sets the ban key. A zero ttl bans until the key is removed.
func (r *RedisClient) BanUser(ctx context.Context, userID, reason string, ttl time.Duration) error {
	return r.client.Set(ctx, banKey(userID), reason, ttl).Err()
}

func (r *RedisClient) UnbanUser(ctx context.Context, userID string) error {
	return r.client.Del(ctx, banKey(userID)).Err()
}

type matchEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
}

func encodeMatchEvent(eventType, sessionID string, at time.Time) ([]byte, error) {
	return json.Marshal(matchEvent{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: at.UTC().Format(time.RFC3339),
	})
}

// PublishMatchEvent announces a match lifecycle event on the user's channel
// for other services (history views, notifications).
func (r *RedisClient) PublishMatchEvent(ctx context.Context, userID, eventType, sessionID string) error {
	data, err := encodeMatchEvent(eventType, sessionID, time.Now())
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, matchesChannel(userID), data).Err()
}
