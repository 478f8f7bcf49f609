package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/basket/go-schedd/internal/persistence"
)

func TestNotifications_CreateListAndCount(t *testing.T) {
	store, clock := openClockedStore(t)
	_, sessionID := seed(t, store)
	ctx := context.Background()

	var ids []string
	for _, kind := range []persistence.NotificationType{
		persistence.NotificationTaskComplete,
		persistence.NotificationApprovalNeeded,
		persistence.NotificationQuestion,
	} {
		n, err := store.CreateNotification(ctx, persistence.NewNotification{
			SessionID: sessionID, Type: kind, Title: string(kind), Message: "body",
		})
		if err != nil {
			t.Fatalf("create %s: %v", kind, err)
		}
		if !n.Unread() {
			t.Fatal("new notification should be unread")
		}
		ids = append(ids, n.ID)
		clock.Advance(time.Second)
	}

	list, err := store.ListNotifications(ctx, sessionID, false, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != ids[2] || list[2].ID != ids[0] {
		t.Fatalf("list not most-recent-first: %+v", list)
	}
	if n, _ := store.CountUnreadNotifications(ctx, sessionID); n != 3 {
		t.Fatalf("unread = %d", n)
	}

	limited, _ := store.ListNotifications(ctx, sessionID, false, 2)
	if len(limited) != 2 {
		t.Fatalf("limited = %d", len(limited))
	}
}

func TestNotifications_SameInstantOrderedByInsertion(t *testing.T) {
	store, _ := openClockedStore(t)
	_, sessionID := seed(t, store)
	ctx := context.Background()

	first, _ := store.CreateNotification(ctx, persistence.NewNotification{SessionID: sessionID, Type: persistence.NotificationQuestion, Title: "a"})
	second, _ := store.CreateNotification(ctx, persistence.NewNotification{SessionID: sessionID, Type: persistence.NotificationQuestion, Title: "b"})
	list, _ := store.ListNotifications(ctx, sessionID, false, 0)
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Fatalf("order = %+v", list)
	}
}

func TestNotifications_Validation(t *testing.T) {
	store, _ := openTestStore(t)
	_, sessionID := seed(t, store)
	ctx := context.Background()

	cases := []struct {
		name string
		req  persistence.NewNotification
		want error
	}{
		{"unknown type", persistence.NewNotification{SessionID: sessionID, Type: "gossip", Title: "x"}, persistence.ErrInvalidNotificationType},
		{"bad payload", persistence.NewNotification{SessionID: sessionID, Type: persistence.NotificationError, Title: "x", Payload: json.RawMessage(`{nope`)}, persistence.ErrInvalidPayload},
		{"unknown session", persistence.NewNotification{SessionID: "ghost", Type: persistence.NotificationError, Title: "x"}, persistence.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.CreateNotification(ctx, tc.req)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
	if _, err := store.CreateNotification(ctx, persistence.NewNotification{SessionID: sessionID, Type: persistence.NotificationError}); err == nil {
		t.Fatal("expected error for empty title")
	}
}

func TestNotifications_PayloadStoredVerbatim(t *testing.T) {
	store, _ := openTestStore(t)
	_, sessionID := seed(t, store)
	ctx := context.Background()

	raw := json.RawMessage(`{"pr":42,"files":["a.go","b.go"],"nested":{"x":null}}`)
	n, err := store.CreateNotification(ctx, persistence.NewNotification{
		SessionID: sessionID, Type: persistence.NotificationApprovalNeeded, Title: "Merge?", Payload: raw,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := store.GetNotification(ctx, n.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload) != string(raw) {
		t.Fatalf("payload = %s, want %s", got.Payload, raw)
	}

	empty, _ := store.CreateNotification(ctx, persistence.NewNotification{SessionID: sessionID, Type: persistence.NotificationQuestion, Title: "no payload"})
	got, _ = store.GetNotification(ctx, empty.ID)
	if got.Payload != nil {
		t.Fatalf("absent payload = %s", got.Payload)
	}
}

func TestMarkNotificationRead_Idempotent(t *testing.T) {
	store, clock := openClockedStore(t)
	_, sessionID := seed(t, store)
	ctx := context.Background()

	n, _ := store.CreateNotification(ctx, persistence.NewNotification{SessionID: sessionID, Type: persistence.NotificationTaskComplete, Title: "done"})
	clock.Advance(time.Minute)
	changed, err := store.MarkNotificationRead(ctx, n.ID)
	if err != nil || !changed {
		t.Fatalf("first mark changed=%v err=%v", changed, err)
	}
	first, _ := store.GetNotification(ctx, n.ID)
	if first.ReadAt == nil || !first.ReadAt.Equal(clock.Now()) {
		t.Fatalf("read_at = %v", first.ReadAt)
	}

	clock.Advance(time.Hour)
	changed, err = store.MarkNotificationRead(ctx, n.ID)
	if err != nil || changed {
		t.Fatalf("second mark changed=%v err=%v", changed, err)
	}
	second, _ := store.GetNotification(ctx, n.ID)
	if !second.ReadAt.Equal(*first.ReadAt) {
		t.Fatalf("read_at moved from %s to %s", first.ReadAt, second.ReadAt)
	}

	if _, err := store.MarkNotificationRead(ctx, "missing"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}
}

func TestMarkAllAndDelete(t *testing.T) {
	store, _ := openTestStore(t)
	_, sessionID := seed(t, store)
	ctx := context.Background()

	var last *persistence.Notification
	for i := 0; i < 3; i++ {
		last, _ = store.CreateNotification(ctx, persistence.NewNotification{SessionID: sessionID, Type: persistence.NotificationQuestion, Title: "q"})
	}
	if _, err := store.MarkNotificationRead(ctx, last.ID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	n, err := store.MarkAllNotificationsRead(ctx, sessionID)
	if err != nil || n != 2 {
		t.Fatalf("mark all = %d, %v", n, err)
	}
	unread, _ := store.ListNotifications(ctx, sessionID, true, 0)
	if len(unread) != 0 {
		t.Fatalf("unread after mark all = %d", len(unread))
	}

	if err := store.DeleteNotification(ctx, last.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteNotification(ctx, last.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}
