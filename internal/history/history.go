// Package history persists closed sessions. Records are handed to asynq so a
// slow or unavailable database never blocks the realtime path.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"langapp-coordinator/internal/storage"
)

const (
	TypeSessionRecord = "session:record"
	QueueName         = "history"

	maxRetry    = 5
	taskTimeout = 30 * time.Second
)

// Recorder accepts a closed session for persistence.
type Recorder interface {
	Record(ctx context.Context, rec storage.SessionRecord) error
}

// Nop drops every record. Used when history is disabled.
type Nop struct{}

func (Nop) Record(context.Context, storage.SessionRecord) error { return nil }

// RedisOpt builds the asynq connection options from the same URL the rest of
// the service uses for Redis.
func RedisOpt(redisURL, password string, db int) (asynq.RedisClientOpt, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("parse redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	if db != 0 {
		opts.DB = db
	}
	return asynq.RedisClientOpt{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	}, nil
}

// NewRecordTask wraps a session record in an asynq task. The session id is
// used as the task id so a record is enqueued at most once.
func NewRecordTask(rec storage.SessionRecord) (*asynq.Task, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal session record: %w", err)
	}
	return asynq.NewTask(TypeSessionRecord, payload,
		asynq.Queue(QueueName),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(taskTimeout),
		asynq.TaskID(rec.SessionID),
	), nil
}

type AsynqRecorder struct {
	client *asynq.Client
	log    zerolog.Logger
}

func NewAsynqRecorder(opt asynq.RedisConnOpt, log zerolog.Logger) *AsynqRecorder {
	return &AsynqRecorder{client: asynq.NewClient(opt), log: log}
}

func (r *AsynqRecorder) Record(ctx context.Context, rec storage.SessionRecord) error {
	task, err := NewRecordTask(rec)
	if err != nil {
		return err
	}
	info, err := r.client.EnqueueContext(ctx, task)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("enqueue session record: %w", err)
	}
	r.log.Debug().Str("session_id", rec.SessionID).Str("task_id", info.ID).Msg("session record enqueued")
	return nil
}

func (r *AsynqRecorder) Close() error {
	return r.client.Close()
}
