package storage

import (
	"context"
	"fmt"
)

type Options struct {
	DatabaseURL   string
	Pool          PoolOptions
	RedisURL      string
	RedisPassword string
	RedisDB       int
}

type Storage struct {
	DB    *PostgresDB
	Redis *RedisClient
}

func NewStorage(ctx context.Context, opts Options) (*Storage, error) {
	db, err := NewPostgresDB(ctx, opts.DatabaseURL, opts.Pool)
	if err != nil {
		return nil, err
	}

	redisClient, err := NewRedisClient(ctx, opts.RedisURL, opts.RedisPassword, opts.RedisDB)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{
		DB:    db,
		Redis: redisClient,
	}, nil
}

// GetProfile loads the profile from Postgres and overlays the Redis ban flag.
func (s *Storage) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	p, err := s.DB.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p.Banned {
		return p, nil
	}
	banned, err := s.Redis.IsUserBanned(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("check ban for %s: %w", userID, err)
	}
	p.Banned = banned
	return p, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := s.DB.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := s.Redis.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (s *Storage) Close() error {
	s.DB.Close()
	return s.Redis.Close()
}
