package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TaskTypeDeliver is the asynq task type carrying one notification.
const TaskTypeDeliver = "notify:deliver"

// Enqueuer is the subset of *asynq.Client used to publish notifications.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type deliverPayload struct {
	Ref     OrderRef `json:"ref"`
	Content Content  `json:"content"`
}

// NewDeliverTask encodes a notification as an asynq task.
func NewDeliverTask(ref OrderRef, content Content) (*asynq.Task, error) {
	if strings.TrimSpace(ref.OrderID) == "" {
		return nil, errors.New("notify: order id is required")
	}
	raw, err := json.Marshal(deliverPayload{Ref: ref, Content: content})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeDeliver, raw), nil
}

// QueueNotifier hands notifications to the worker instead of sending inline.
type QueueNotifier struct {
	Client   Enqueuer
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

// Notify implements Notifier. A task already enqueued for the order is not
// enqueued twice.
func (q QueueNotifier) Notify(ctx context.Context, ref OrderRef, content Content) error {
	if q.Client == nil {
		return &Error{Channel: "queue", OrderID: ref.OrderID, Err: errors.New("task client not configured")}
	}
	task, err := NewDeliverTask(ref, content)
	if err != nil {
		return &Error{Channel: "queue", OrderID: ref.OrderID, Err: err}
	}
	opts := []asynq.Option{asynq.TaskID("notify:" + ref.dedupeKey())}
	if q.Queue != "" {
		opts = append(opts, asynq.Queue(q.Queue))
	}
	if q.MaxRetry > 0 {
		opts = append(opts, asynq.MaxRetry(q.MaxRetry))
	}
	if q.Timeout > 0 {
		opts = append(opts, asynq.Timeout(q.Timeout))
	}
	if _, err := q.Client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return &Error{Channel: "queue", OrderID: ref.OrderID, Err: err}
	}
	return nil
}

// ReplayProtector guards against sending duplicate deliveries within a TTL.
type ReplayProtector interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// TaskHandler delivers queued notifications in the worker process.
type TaskHandler struct {
	Notifier  Notifier
	Replay    ReplayProtector
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

// ProcessTask implements asynq.Handler.
func (h TaskHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	if h.Notifier == nil {
		return fmt.Errorf("notify worker: notifier not configured: %w", asynq.SkipRetry)
	}
	var payload deliverPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("notify worker: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if strings.TrimSpace(payload.Ref.OrderID) == "" {
		return fmt.Errorf("notify worker: order id missing: %w", asynq.SkipRetry)
	}

	key := replayKey(payload.Ref)
	if h.Replay != nil && h.ReplayTTL > 0 {
		ok, err := h.Replay.Acquire(ctx, key, h.ReplayTTL)
		if err != nil {
			return err
		}
		if !ok {
			h.Logger.Info().Str("order_id", payload.Ref.OrderID).Msg("notify_replay_suppressed")
			return nil
		}
	}
	if err := h.Notifier.Notify(ctx, payload.Ref, payload.Content); err != nil {
		if h.Replay != nil && h.ReplayTTL > 0 {
			if relErr := h.Replay.Release(context.WithoutCancel(ctx), key); relErr != nil {
				h.Logger.Error().Err(relErr).Str("order_id", payload.Ref.OrderID).Msg("notify_replay_release_failed")
			}
		}
		h.Logger.Warn().Err(err).Str("order_id", payload.Ref.OrderID).Msg("notify_delivery_failed")
		return err
	}
	return nil
}

func replayKey(ref OrderRef) string {
	return fmt.Sprintf("notify:sent:%s", ref.dedupeKey())
}
