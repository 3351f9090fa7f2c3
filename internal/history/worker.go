package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"langapp-coordinator/internal/storage"
)

// SessionStore is the write side of the session_records table.
type SessionStore interface {
	SaveSessionRecord(ctx context.Context, rec *storage.SessionRecord) error
}

// Worker consumes session-record tasks and writes them to the store.
type Worker struct {
	server *asynq.Server
	store  SessionStore
	log    zerolog.Logger
}

func NewWorker(opt asynq.RedisConnOpt, concurrency int, store SessionStore, log zerolog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
		Logger:      asynqLogger{log},
	})
	return &Worker{server: server, store: store, log: log}
}

func (w *Worker) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSessionRecord, w.HandleRecordTask)
	return mux
}

// Start runs the asynq server in the background.
func (w *Worker) Start() error {
	if err := w.server.Start(w.Mux()); err != nil {
		return fmt.Errorf("start history worker: %w", err)
	}
	w.log.Info().Str("queue", QueueName).Msg("history worker started")
	return nil
}

func (w *Worker) Stop() {
	w.server.Shutdown()
}

func (w *Worker) HandleRecordTask(ctx context.Context, task *asynq.Task) error {
	var rec storage.SessionRecord
	if err := json.Unmarshal(task.Payload(), &rec); err != nil {
		return fmt.Errorf("decode session record: %v: %w", err, asynq.SkipRetry)
	}
	if rec.SessionID == "" {
		return fmt.Errorf("session record without id: %w", asynq.SkipRetry)
	}
	if err := w.store.SaveSessionRecord(ctx, &rec); err != nil {
		w.log.Error().Err(err).Str("session_id", rec.SessionID).Msg("failed to save session record")
		return err
	}
	w.log.Info().
		Str("session_id", rec.SessionID).
		Str("reason", rec.CloseReason).
		Int("duration_seconds", rec.DurationSeconds).
		Msg("session recorded")
	return nil
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }
