package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/matheus3301/thistory/internal/archive"
)

var _ archive.Store = (*Store)(nil)

// testStore connects to THISTORY_TEST_MONGO_URI and uses a throwaway database.
func testStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("THISTORY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("THISTORY_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Open(ctx, uri, fmt.Sprintf("thistory_test_%d", time.Now().UnixNano()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		_ = s.Drop(ctx)
		_ = s.Close(ctx)
	})
	return s
}

func TestRawRoundTripKeepsNumbers(t *testing.T) {
	in := archive.Content{"a": json.Number("1"), "b": json.Number("2.5"), "c": map[string]any{"d": "x"}}
	raw, err := toRaw(in)
	if err != nil {
		t.Fatal(err)
	}
	var out archive.Content
	if err := fromRaw(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out["a"] != json.Number("1") || out["b"] != json.Number("2.5") {
		t.Errorf("numbers = %#v %#v", out["a"], out["b"])
	}
	if out["c"].(map[string]any)["d"] != "x" {
		t.Errorf("nested = %#v", out["c"])
	}
}

func TestConversationLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := &archive.Conversation{
		ID:          42,
		Type:        "chatTypePrivate",
		Content:     archive.Content{"title": "Alice", "n": json.Number("1")},
		ContentHash: "h1",
		Status:      archive.Idle,
		LastUpdate:  time.UnixMilli(1000).UTC(),
	}
	if err := s.InsertConversation(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertConversation(ctx, c); !errors.Is(err, archive.ErrExists) {
		t.Fatalf("err = %v, want ErrExists", err)
	}

	ok, err := s.TransitionStatus(ctx, 42, []archive.Status{archive.Idle}, archive.Queued, "pass")
	if err != nil || !ok {
		t.Fatalf("transition = %v %v", ok, err)
	}
	ok, err = s.TransitionStatus(ctx, 42, []archive.Status{archive.Idle}, archive.Queued, "pass2")
	if err != nil || ok {
		t.Fatalf("second transition = %v %v, want false", ok, err)
	}

	rev := &archive.Revision{
		PrevHash: "h1",
		Content:  archive.Content{"title": "Bob", "n": json.Number("1")},
		Hash:     "h2",
		Entry: &archive.HistoryEntry{
			Diff:      []archive.Change{{Path: []string{"title"}, Kind: archive.Changed, OldValue: "Alice", NewValue: "Bob"}},
			ValidFrom: time.UnixMilli(1000).UTC(),
			ValidTo:   time.UnixMilli(2000).UTC(),
		},
		LastUpdate: time.UnixMilli(2000).UTC(),
	}
	if err := s.ReviseConversation(ctx, 42, rev, archive.InProgress); !errors.Is(err, archive.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if err := s.ReviseConversation(ctx, 42, rev, archive.Queued); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetConversation(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if got.Content["title"] != "Bob" || got.PassID != "pass" || len(got.History) != 1 {
		t.Errorf("got %+v", got)
	}

	n, err := s.ResetStatuses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reset %d, want 1", n)
	}
}

func TestMessagesAndSnapshot(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.InsertConversation(ctx, &archive.Conversation{ID: 1, Status: archive.InProgress, Content: archive.Content{}}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []int64{1, 2, 3, 4} {
		m := &archive.Message{ConversationID: 1, ID: id, Content: archive.Content{"id": json.Number(fmt.Sprint(id))}, ContentHash: "h"}
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SaveMessageSnapshot(ctx, 1, []int64{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendSeenMessageIDs(ctx, 1, []int64{1, 2, 4}); err != nil {
		t.Fatal(err)
	}
	known, seen, err := s.LoadMessageSnapshot(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(known) != 4 || len(seen) != 3 {
		t.Fatalf("known=%v seen=%v", known, seen)
	}
	n, err := s.SetMessagesRemoved(ctx, 1, []int64{3}, true)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("removed %d, want 1", n)
	}
	ids, err := s.ListMessageIDs(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 {
		t.Errorf("ids = %v, want 3 live messages", ids)
	}
}
