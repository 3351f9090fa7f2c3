package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

type PoolOptions struct {
	MaxConns        int32
	MaxConnIdleTime time.Duration
	MaxConnLifetime time.Duration
}

type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, databaseURL string, opts PoolOptions) (*PostgresDB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	config.MaxConns = 20
	config.MaxConnIdleTime = 30 * time.Minute
	config.MaxConnLifetime = time.Hour
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.MaxConnLifetime > 0 {
		config.MaxConnLifetime = opts.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() {
	db.pool.Close()
}

func (db *PostgresDB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// EnsureSchema creates the profiles and session_records tables if missing.
func (db *PostgresDB) EnsureSchema(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (db *PostgresDB) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	p := &Profile{}
	query := `
		SELECT user_id, email, display_name, native_language, target_languages,
		       age, gender, banned, updated_at
		FROM profiles WHERE user_id = $1`

	err := db.pool.QueryRow(ctx, query, userID).Scan(
		&p.UserID, &p.Email, &p.DisplayName, &p.NativeLanguage, &p.TargetLanguages,
		&p.Age, &p.Gender, &p.Banned, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return p, nil
}

func (db *PostgresDB) UpsertProfile(ctx context.Context, p *Profile) error {
	query := `
		INSERT INTO profiles (user_id, email, display_name, native_language, target_languages, age, gender, banned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			native_language = EXCLUDED.native_language,
			target_languages = EXCLUDED.target_languages,
			age = EXCLUDED.age,
			gender = EXCLUDED.gender,
			banned = EXCLUDED.banned,
			updated_at = NOW()
		RETURNING updated_at`

	return db.pool.QueryRow(ctx, query,
		p.UserID, p.Email, p.DisplayName, p.NativeLanguage, p.TargetLanguages, p.Age, p.Gender, p.Banned).
		Scan(&p.UpdatedAt)
}

// SaveSessionRecord inserts the record once; replays of the same session are ignored.
func (db *PostgresDB) SaveSessionRecord(ctx context.Context, rec *SessionRecord) error {
	query := `
		INSERT INTO session_records (session_id, match_id, user1_id, user2_id, native_language,
			target_language, started_at, ended_at, duration_seconds, close_reason, ended_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO NOTHING`

	_, err := db.pool.Exec(ctx, query,
		rec.SessionID, rec.MatchID, rec.User1, rec.User2, rec.NativeLanguage,
		rec.TargetLanguage, rec.StartedAt, rec.EndedAt, rec.DurationSeconds, rec.CloseReason, rec.EndedBy)
	if err != nil {
		return fmt.Errorf("save session record %s: %w", rec.SessionID, err)
	}
	return nil
}

func (db *PostgresDB) GetSessionRecord(ctx context.Context, sessionID string) (*SessionRecord, error) {
	rec := &SessionRecord{}
	query := `
		SELECT session_id, match_id, user1_id, user2_id, native_language, target_language,
		       started_at, ended_at, duration_seconds, close_reason, ended_by
		FROM session_records WHERE session_id = $1`

	err := db.pool.QueryRow(ctx, query, sessionID).Scan(
		&rec.SessionID, &rec.MatchID, &rec.User1, &rec.User2, &rec.NativeLanguage, &rec.TargetLanguage,
		&rec.StartedAt, &rec.EndedAt, &rec.DurationSeconds, &rec.CloseReason, &rec.EndedBy,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
