package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/thistory/internal/archive"
	"github.com/matheus3301/thistory/internal/bus"
	"github.com/matheus3301/thistory/internal/history"
	"github.com/matheus3301/thistory/internal/remote"
	"github.com/matheus3301/thistory/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newRegistry(t *testing.T, db *store.DB, b *bus.Bus) *Registry {
	t.Helper()
	return New(db, history.NewTracker(history.DefaultConversationFilter()), b, nil)
}

func snapshot(id int64, title string, head int64) *remote.ConversationSnapshot {
	return &remote.ConversationSnapshot{
		ID:            id,
		Type:          "chatTypePrivate",
		LastMessageID: head,
		Raw: map[string]any{
			"id":           id,
			"title":        title,
			"type":         map[string]any{"@type": "chatTypePrivate"},
			"unread_count": 4,
		},
	}
}

func TestUpsertMetadataInsertsInProgress(t *testing.T) {
	db := testDB(t)
	r := newRegistry(t, db, nil)
	ctx := context.Background()

	res, err := r.UpsertMetadata(ctx, snapshot(1, "Alice", 50), "pass-1")
	if err != nil {
		t.Fatal(err)
	}
	if res != archive.Inserted {
		t.Fatalf("result = %s, want inserted", res)
	}
	c, err := db.GetConversation(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != archive.InProgress || c.PassID != "pass-1" || c.RemoteHeadID != 50 {
		t.Errorf("conversation = %+v", c)
	}
	if _, ok := c.Content["unread_count"]; ok {
		t.Error("volatile field stored in content")
	}
	if len(c.History) != 0 {
		t.Errorf("history = %v, want empty", c.History)
	}
}

func TestUpsertMetadataRequiresQueuedPass(t *testing.T) {
	db := testDB(t)
	r := newRegistry(t, db, nil)
	ctx := context.Background()

	if _, err := r.UpsertMetadata(ctx, snapshot(1, "Alice", 50), "p1"); err != nil {
		t.Fatal(err)
	}

	// In progress: skipped.
	res, err := r.UpsertMetadata(ctx, snapshot(1, "Bob", 60), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if res != archive.Skipped {
		t.Fatalf("result = %s, want skipped", res)
	}

	if err := r.SetStatus(ctx, 1, archive.Idle); err != nil {
		t.Fatal(err)
	}
	pass, queued, err := r.Queue(ctx, 1)
	if err != nil || !queued {
		t.Fatalf("queue = %v %v", queued, err)
	}

	// Queued under another pass: skipped.
	res, err = r.UpsertMetadata(ctx, snapshot(1, "Bob", 60), "stale")
	if err != nil {
		t.Fatal(err)
	}
	if res != archive.Skipped {
		t.Fatalf("stale pass result = %s, want skipped", res)
	}

	res, err = r.UpsertMetadata(ctx, snapshot(1, "Bob", 60), pass)
	if err != nil {
		t.Fatal(err)
	}
	if res != archive.Updated {
		t.Fatalf("result = %s, want updated", res)
	}
	c, err := db.GetConversation(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if c.Content["title"] != "Bob" || c.RemoteHeadID != 60 || len(c.History) != 1 {
		t.Errorf("conversation = %+v", c)
	}

	// Only the volatile counter changed: no history entry.
	s := snapshot(1, "Bob", 61)
	s.Raw["unread_count"] = 9
	res, err = r.UpsertMetadata(ctx, s, pass)
	if err != nil {
		t.Fatal(err)
	}
	if res != archive.Unchanged {
		t.Errorf("result = %s, want unchanged", res)
	}
}

func TestQueueSingleWinner(t *testing.T) {
	db := testDB(t)
	r := newRegistry(t, db, nil)
	ctx := context.Background()

	if _, err := r.UpsertMetadata(ctx, snapshot(1, "Alice", 0), "p"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetStatus(ctx, 1, archive.Idle); err != nil {
		t.Fatal(err)
	}

	const workers = 10
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		passes []string
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pass, queued, err := r.Queue(ctx, 1)
			if err != nil {
				t.Error(err)
				return
			}
			if queued {
				mu.Lock()
				passes = append(passes, pass)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(passes) != 1 {
		t.Fatalf("%d workers queued the conversation, want 1", len(passes))
	}
	c, err := db.GetConversation(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != archive.Queued || c.PassID != passes[0] {
		t.Errorf("status=%s pass=%s, want queued/%s", c.Status, c.PassID, passes[0])
	}
}

func TestQueueUnknownConversation(t *testing.T) {
	db := testDB(t)
	r := newRegistry(t, db, nil)
	ctx := context.Background()

	pass, queued, err := r.Queue(ctx, 404)
	if err != nil {
		t.Fatal(err)
	}
	if !queued || pass == "" {
		t.Fatalf("unknown conversation not queued: %q %v", pass, queued)
	}
	c, err := db.GetConversation(ctx, 404)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != archive.Queued || c.PassID != pass || c.ContentHash != "" {
		t.Errorf("placeholder = %+v", c)
	}

	// A second scan finds it busy.
	if _, queued, err := r.Queue(ctx, 404); err != nil || queued {
		t.Errorf("second queue = %v %v, want skipped", queued, err)
	}
}

func TestUpsertMetadataFillsPlaceholder(t *testing.T) {
	db := testDB(t)
	r := newRegistry(t, db, nil)
	ctx := context.Background()

	pass, _, err := r.Queue(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	res, err := r.UpsertMetadata(ctx, snapshot(7, "Alice", 12), pass)
	if err != nil {
		t.Fatal(err)
	}
	if res != archive.Inserted {
		t.Errorf("result = %s, want inserted", res)
	}
	c, err := db.GetConversation(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if c.Type != "chatTypePrivate" || c.Content["title"] != "Alice" || c.RemoteHeadID != 12 {
		t.Errorf("conversation = %+v", c)
	}
	if c.Status != archive.Queued || len(c.History) != 0 {
		t.Errorf("status %s history %+v, want queued with no history", c.Status, c.History)
	}
}

func TestSetStatusRejectsInvalidTransition(t *testing.T) {
	db := testDB(t)
	r := newRegistry(t, db, nil)
	ctx := context.Background()

	if _, err := r.UpsertMetadata(ctx, snapshot(1, "Alice", 0), "p"); err != nil {
		t.Fatal(err)
	}
	if err := r.SetStatus(ctx, 1, archive.Queued); !errors.Is(err, archive.ErrConflict) {
		t.Errorf("in_progress -> queued err = %v, want ErrConflict", err)
	}
	if err := r.SetStatus(ctx, 2, archive.Idle); !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("missing conversation err = %v, want ErrNotFound", err)
	}
}

func TestRecoverResetsBeforeScheduling(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	r := newRegistry(t, db, b)
	ctx := context.Background()

	for _, id := range []int64{1, 2, 3} {
		if _, err := r.UpsertMetadata(ctx, snapshot(id, "c", 0), "p"); err != nil {
			t.Fatal(err)
		}
	}
	// 1 stays in progress, 2 goes idle then queued, 3 goes idle.
	for _, id := range []int64{2, 3} {
		if err := r.SetStatus(ctx, id, archive.Idle); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := r.Queue(ctx, 2); err != nil {
		t.Fatal(err)
	}

	ch, unsub := b.Subscribe(bus.RegistryStatusChanged, 10)
	defer unsub()

	n, err := r.Recover(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("recovered %d, want 2", n)
	}
	ids, err := r.ListNonIdle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("non-idle after recover: %v", ids)
	}

	for range 2 {
		select {
		case evt := <-ch:
			if sc := evt.Payload.(StatusChange); sc.To != archive.Idle {
				t.Errorf("event = %+v", sc)
			}
		case <-time.After(time.Second):
			t.Fatal("missing status event")
		}
	}
}
