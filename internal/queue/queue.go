// Package queue runs conversation repairs as background tasks on asynq.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"dm-service/internal/conversation"
	"dm-service/internal/repositories"
)

// TypeReconcile rebuilds a conversation's summary and chat-list rows.
const TypeReconcile = "chat:reconcile"

// Queue is the asynq queue reconcile tasks go to.
const Queue = "chat"

type ReconcilePayload struct {
	ConversationKey string `json:"conversation_key"`
}

func newReconcileTask(key string) (*asynq.Task, error) {
	payload, err := json.Marshal(ReconcilePayload{ConversationKey: key})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeReconcile, payload), nil
}

// Client enqueues reconcile tasks.
type Client struct {
	client *asynq.Client
}

// NewClient connects to the Redis instance backing asynq.
func NewClient(redisURL string) (*Client, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse REDIS_URL: %w", err)
	}
	return &Client{client: asynq.NewClient(opt)}, nil
}

// EnqueueRepair schedules a repair of key. Repeated requests within a minute collapse into one.
func (c *Client) EnqueueRepair(ctx context.Context, key string) (string, error) {
	if _, _, err := conversation.Split(key); err != nil {
		return "", err
	}
	task, err := newReconcileTask(key)
	if err != nil {
		return "", err
	}
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(Queue),
		asynq.MaxRetry(5),
		asynq.Unique(time.Minute),
		asynq.Retention(time.Hour),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", TypeReconcile, err)
	}
	return info.ID, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Repairer is what a reconcile task runs.
type Repairer interface {
	Stale(ctx context.Context, key string) (bool, error)
	Repair(ctx context.Context, key string) error
}

// NewReconcileHandler runs Repair for each task whose conversation is stale. Tasks that can
// never succeed are not retried.
func NewReconcileHandler(r Repairer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p ReconcilePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decode reconcile payload: %v: %w", err, asynq.SkipRetry)
		}
		stale, err := r.Stale(ctx, p.ConversationKey)
		if errors.Is(err, conversation.ErrInvalidIdentity) {
			logger.Warn("reconcile skipped", "conversation_key", p.ConversationKey, "error", err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if err != nil {
			return err
		}
		if !stale {
			logger.Debug("reconcile not needed", "conversation_key", p.ConversationKey)
			return nil
		}
		err = r.Repair(ctx, p.ConversationKey)
		switch {
		case err == nil:
			logger.Info("reconcile done", "conversation_key", p.ConversationKey)
			return nil
		case errors.Is(err, repositories.ErrConversationNotFound), errors.Is(err, conversation.ErrInvalidIdentity):
			logger.Warn("reconcile skipped", "conversation_key", p.ConversationKey, "error", err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		default:
			return err
		}
	}
}

// Server consumes reconcile tasks.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewServer constructs a Server with the given worker concurrency.
func NewServer(redisURL string, concurrency int, logger *slog.Logger) (*Server, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse REDIS_URL: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{Queue: 3, "default": 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("asynq task failed", "type", task.Type(), "error", err)
		}),
	})
	return &Server{server: srv, mux: asynq.NewServeMux()}, nil
}

func (s *Server) Register(taskType string, h asynq.Handler) {
	s.mux.Handle(taskType, h)
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return err
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}
