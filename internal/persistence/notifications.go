package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-schedd/internal/bus"
	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationTaskComplete   NotificationType = "task_complete"
	NotificationApprovalNeeded NotificationType = "approval_needed"
	NotificationQuestion       NotificationType = "question"
	NotificationError          NotificationType = "error"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationTaskComplete, NotificationApprovalNeeded, NotificationQuestion, NotificationError:
		return true
	}
	return false
}

func ParseNotificationType(v string) (NotificationType, error) {
	t := NotificationType(v)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidNotificationType, v)
	}
	return t, nil
}

type Notification struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Type      NotificationType `json:"notification_type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	ReadAt    *time.Time       `json:"read_at,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

func (n Notification) Unread() bool { return n.ReadAt == nil }

// NewNotification is the producer-supplied content of an inbox entry.
// Payload is stored verbatim; it only has to be well-formed JSON.
type NewNotification struct {
	SessionID string
	Type      NotificationType
	Title     string
	Message   string
	Payload   json.RawMessage
}

// NotificationFunc builds the notification for a scheduled task whose
// transition is being committed. Returning nil emits nothing.
type NotificationFunc func(task ScheduledTask) *NewNotification

func (n NewNotification) validate() error {
	if strings.TrimSpace(n.SessionID) == "" {
		return fmt.Errorf("notification session id is required")
	}
	if !n.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidNotificationType, n.Type)
	}
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("notification title is required")
	}
	if len(n.Payload) > 0 && !json.Valid(n.Payload) {
		return ErrInvalidPayload
	}
	return nil
}

const notificationColumns = `id, session_id, notification_type, title, message, payload, read_at, created_at`

func scanNotification(scanFn func(dest ...any) error, n *Notification) error {
	var (
		kind, created   string
		payload, readAt sql.NullString
	)
	if err := scanFn(&n.ID, &n.SessionID, &kind, &n.Title, &n.Message, &payload, &readAt, &created); err != nil {
		return err
	}
	var err error
	if n.Type, err = ParseNotificationType(kind); err != nil {
		return err
	}
	if n.ReadAt, err = parseNullTime(readAt); err != nil {
		return err
	}
	if n.CreatedAt, err = parseTime(created); err != nil {
		return err
	}
	if payload.Valid && payload.String != "" {
		n.Payload = json.RawMessage(payload.String)
	} else {
		n.Payload = nil
	}
	return nil
}

func (s *Store) insertNotificationTx(ctx context.Context, tx *sql.Tx, req NewNotification) (*Notification, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	n := &Notification{
		ID:        uuid.NewString(),
		SessionID: req.SessionID,
		Type:      req.Type,
		Title:     req.Title,
		Message:   req.Message,
		Payload:   req.Payload,
		CreatedAt: s.Now(),
	}
	payload := sql.NullString{}
	if len(req.Payload) > 0 {
		payload = sql.NullString{String: string(req.Payload), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (id, session_id, notification_type, title, message, payload, read_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?);
	`, n.ID, n.SessionID, n.Type, n.Title, n.Message, payload, formatTime(n.CreatedAt)); err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

func (s *Store) publishNotification(n *Notification, topic string) {
	if n == nil {
		return
	}
	s.bus.Publish(topic, bus.NotificationEvent{
		NotificationID: n.ID,
		SessionID:      n.SessionID,
		Type:           string(n.Type),
	})
}

// CreateNotification stores an unread inbox entry for an existing session.
func (s *Store) CreateNotification(ctx context.Context, req NewNotification) (*Notification, error) {
	var n *Notification
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if req.SessionID != "" {
			ok, err := rowExistsTx(ctx, tx, "sessions", req.SessionID)
			if err != nil {
				return fmt.Errorf("lookup session: %w", err)
			}
			if !ok {
				return fmt.Errorf("session %s: %w", req.SessionID, ErrNotFound)
			}
		}
		var err error
		n, err = s.insertNotificationTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publishNotification(n, bus.TopicNotificationCreated)
	return n, nil
}

func (s *Store) GetNotification(ctx context.Context, id string) (*Notification, error) {
	var n Notification
	err := scanNotification(s.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?;`, id).Scan, &n)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return &n, nil
}

// ListNotifications returns a session's inbox, most recent first. limit <= 0
// means no limit.
func (s *Store) ListNotifications(ctx context.Context, sessionID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE session_id = ? AND (? = 0 OR read_at IS NULL)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?;
	`, sessionID, boolToInt(unreadOnly), limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := scanNotification(rows.Scan, &n); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

func (s *Store) CountUnreadNotifications(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM notifications WHERE session_id = ? AND read_at IS NULL;
	`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

// MarkNotificationRead sets read_at once. It reports whether this call
// changed the row; marking an already-read notification is a no-op.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) (bool, error) {
	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE notifications SET read_at = ? WHERE id = ? AND read_at IS NULL;
		`, formatTime(s.Now()), id)
		if err != nil {
			return fmt.Errorf("mark notification read: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark read rows affected: %w", err)
		}
		if affected == 1 {
			changed = true
			return nil
		}
		ok, err := rowExistsTx(ctx, tx, "notifications", id)
		if err != nil {
			return fmt.Errorf("lookup notification: %w", err)
		}
		if !ok {
			return fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}
		changed = false
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.bus.Publish(bus.TopicNotificationRead, bus.NotificationEvent{NotificationID: id})
	}
	return changed, nil
}

// MarkAllNotificationsRead marks every unread notification of a session and
// returns how many changed.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, sessionID string) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE notifications SET read_at = ? WHERE session_id = ? AND read_at IS NULL;
		`, formatTime(s.Now()), sessionID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	if affected > 0 {
		s.bus.Publish(bus.TopicNotificationRead, bus.NotificationEvent{SessionID: sessionID})
	}
	return affected, nil
}

func (s *Store) DeleteNotification(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "notifications", id)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
