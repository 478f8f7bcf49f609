// Package notify is the session inbox: durable notifications with a single
// read transition.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/go-schedd/internal/otel"
	"github.com/basket/go-schedd/internal/persistence"
	"github.com/basket/go-schedd/internal/telemetry"
)

type Config struct {
	Store   *persistence.Store
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

type Inbox struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otel.Metrics
}

func New(cfg Config) *Inbox {
	return &Inbox{
		store:   cfg.Store,
		logger:  telemetry.Component(cfg.Logger, "notify"),
		metrics: cfg.Metrics,
	}
}

// Emit stores an unread notification. The payload may be empty; otherwise it
// is kept as-is and must be valid JSON.
func (i *Inbox) Emit(ctx context.Context, req persistence.NewNotification) (*persistence.Notification, error) {
	n, err := i.store.CreateNotification(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("emit notification: %w", err)
	}
	i.Observe(ctx, n)
	return n, nil
}

// Observe records a notification that was stored elsewhere, such as inside a
// release transaction.
func (i *Inbox) Observe(ctx context.Context, n *persistence.Notification) {
	if n == nil {
		return
	}
	if i.metrics != nil {
		i.metrics.Notifications.Add(ctx, 1)
	}
	telemetry.WithTrace(ctx, i.logger).Info("notification emitted",
		"notification_id", n.ID,
		"session_id", n.SessionID,
		"notification_type", string(n.Type),
	)
}

// List returns a session's notifications, most recent first. limit <= 0
// returns all of them.
func (i *Inbox) List(ctx context.Context, sessionID string, unreadOnly bool, limit int) ([]persistence.Notification, error) {
	return i.store.ListNotifications(ctx, sessionID, unreadOnly, limit)
}

func (i *Inbox) UnreadCount(ctx context.Context, sessionID string) (int, error) {
	return i.store.CountUnreadNotifications(ctx, sessionID)
}

func (i *Inbox) Get(ctx context.Context, id string) (*persistence.Notification, error) {
	return i.store.GetNotification(ctx, id)
}

// MarkRead sets read_at if it is not set yet. Marking an already-read
// notification again is a no-op; an unknown id is persistence.ErrNotFound.
func (i *Inbox) MarkRead(ctx context.Context, id string) error {
	changed, err := i.store.MarkNotificationRead(ctx, id)
	if err != nil {
		return err
	}
	if changed {
		i.logger.Debug("notification read", "notification_id", id)
	}
	return nil
}

// MarkAllRead marks every unread notification of a session and returns how
// many changed.
func (i *Inbox) MarkAllRead(ctx context.Context, sessionID string) (int64, error) {
	return i.store.MarkAllNotificationsRead(ctx, sessionID)
}

func (i *Inbox) Delete(ctx context.Context, id string) error {
	return i.store.DeleteNotification(ctx, id)
}
