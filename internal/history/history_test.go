package history

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/matheus3301/thistory/internal/archive"
)

func mustNormalize(t *testing.T, f FieldFilter, raw map[string]any) archive.Content {
	t.Helper()
	c, err := f.Normalize(raw)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestHashStableUnderKeyPermutation(t *testing.T) {
	f := FieldFilter{}
	a := mustNormalize(t, f, map[string]any{"a": 1, "b": "x", "c": map[string]any{"d": true, "e": []any{1, 2}}})

	var fromJSON map[string]any
	if err := json.Unmarshal([]byte(`{"c":{"e":[1,2],"d":true},"b":"x","a":1}`), &fromJSON); err != nil {
		t.Fatal(err)
	}
	b := mustNormalize(t, f, fromJSON)

	ha, err := Hash(a)
	if err != nil {
		t.Fatal(err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Errorf("hash differs under key permutation: %s vs %s", ha, hb)
	}

	c := mustNormalize(t, f, map[string]any{"a": 1, "b": "x", "c": map[string]any{"d": true, "e": []any{2, 1}}})
	hc, err := Hash(c)
	if err != nil {
		t.Fatal(err)
	}
	if hc == ha {
		t.Error("slice order must affect the hash")
	}
}

func TestDiffReportsSingleChangedLeaf(t *testing.T) {
	f := FieldFilter{}
	prior := mustNormalize(t, f, map[string]any{"a": 1, "b": 2})
	next := mustNormalize(t, f, map[string]any{"a": 1, "b": 3})

	changes := Diff(prior, next)
	if len(changes) != 1 {
		t.Fatalf("got %d changes, want 1: %+v", len(changes), changes)
	}
	c := changes[0]
	if len(c.Path) != 1 || c.Path[0] != "b" {
		t.Errorf("path = %v, want [b]", c.Path)
	}
	if c.Kind != archive.Changed {
		t.Errorf("kind = %s, want changed", c.Kind)
	}
	if c.OldValue != json.Number("2") || c.NewValue != json.Number("3") {
		t.Errorf("values = %v -> %v, want 2 -> 3", c.OldValue, c.NewValue)
	}
}

func TestDiffKinds(t *testing.T) {
	f := FieldFilter{}
	prior := mustNormalize(t, f, map[string]any{
		"gone":   "x",
		"nested": map[string]any{"title": "old"},
	})
	next := mustNormalize(t, f, map[string]any{
		"new":    map[string]any{"deep": 1},
		"nested": map[string]any{"title": "new"},
	})

	byPath := map[string]archive.Change{}
	for _, c := range Diff(prior, next) {
		key := ""
		for i, p := range c.Path {
			if i > 0 {
				key += "."
			}
			key += p
		}
		byPath[key] = c
	}

	tests := []struct {
		path string
		kind archive.ChangeKind
	}{
		{"gone", archive.Removed},
		{"new", archive.Added},
		{"nested.title", archive.Changed},
	}
	for _, tt := range tests {
		c, ok := byPath[tt.path]
		if !ok {
			t.Errorf("missing change at %s (got %v)", tt.path, byPath)
			continue
		}
		if c.Kind != tt.kind {
			t.Errorf("%s: kind = %s, want %s", tt.path, c.Kind, tt.kind)
		}
	}
	if len(byPath) != len(tests) {
		t.Errorf("got %d changes, want %d: %v", len(byPath), len(tests), byPath)
	}
	if byPath["gone"].OldValue != "x" || byPath["gone"].NewValue != nil {
		t.Errorf("removed change = %+v", byPath["gone"])
	}
}

func TestFilterDenyAndAllow(t *testing.T) {
	raw := map[string]any{"title": "A", "unread_count": 3, "last_message": map[string]any{"id": 1}, "@extra": "x"}
	c := mustNormalize(t, DefaultConversationFilter(), raw)
	if _, ok := c["unread_count"]; ok {
		t.Error("unread_count should be denied")
	}
	if _, ok := c["last_message"]; ok {
		t.Error("last_message should be denied")
	}
	if c["title"] != "A" {
		t.Errorf("title = %v", c["title"])
	}

	only := mustNormalize(t, FieldFilter{Allow: []string{"title", "unread_count"}, Deny: []string{"unread_count"}}, raw)
	if len(only) != 1 || only["title"] != "A" {
		t.Errorf("allow/deny result = %v", only)
	}
}

func TestReviseNoopWhenHashMatches(t *testing.T) {
	tr := NewTracker(FieldFilter{})
	content, hash, err := tr.Normalize(map[string]any{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	rev, err := tr.Revise(content, hash, time.Now(), content, hash)
	if err != nil {
		t.Fatal(err)
	}
	if rev != nil {
		t.Errorf("expected no revision, got %+v", rev)
	}
}

func TestReviseEntryValidity(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := NewTracker(FieldFilter{}, WithClock(func() time.Time { return now }))
	prior, priorHash, err := tr.Normalize(map[string]any{"a": 1})
	if err != nil {
		t.Fatal(err)
	}
	next, nextHash, err := tr.Normalize(map[string]any{"a": 2})
	if err != nil {
		t.Fatal(err)
	}
	priorUpdate := now.Add(-time.Hour)

	rev, err := tr.Revise(prior, priorHash, priorUpdate, next, nextHash)
	if err != nil {
		t.Fatal(err)
	}
	if rev == nil || rev.Entry == nil {
		t.Fatalf("expected a revision with an entry, got %+v", rev)
	}
	if !rev.Entry.ValidFrom.Equal(priorUpdate) || !rev.Entry.ValidTo.Equal(now) {
		t.Errorf("validity = %v..%v", rev.Entry.ValidFrom, rev.Entry.ValidTo)
	}
	if rev.PrevHash != priorHash || rev.Hash != nextHash || !rev.LastUpdate.Equal(now) {
		t.Errorf("revision = %+v", rev)
	}
}

func TestReviseEmptyDiffHasNoEntry(t *testing.T) {
	tr := NewTracker(FieldFilter{Deny: []string{"noise"}})
	// Stored before "noise" was denied: hash differs but the filtered diff is empty.
	prior := archive.Content{"a": json.Number("1"), "noise": json.Number("5")}
	priorHash, err := Hash(prior)
	if err != nil {
		t.Fatal(err)
	}
	next, nextHash, err := tr.Normalize(map[string]any{"a": 1, "noise": 6})
	if err != nil {
		t.Fatal(err)
	}

	rev, err := tr.Revise(prior, priorHash, time.Now(), next, nextHash)
	if err != nil {
		t.Fatal(err)
	}
	if rev == nil {
		t.Fatal("expected a revision for a hash mismatch")
	}
	if rev.Entry != nil {
		t.Errorf("empty diff must not produce a history entry: %+v", rev.Entry)
	}
}

func TestHashDistinguishesValueKinds(t *testing.T) {
	f := FieldFilter{}
	tests := []struct {
		name string
		a, b map[string]any
	}{
		{"number vs string", map[string]any{"views": 1}, map[string]any{"views": "1"}},
		{"bool vs control char", map[string]any{"v": true}, map[string]any{"v": "\x01"}},
		{"false vs empty string", map[string]any{"v": false}, map[string]any{"v": ""}},
		{"null vs empty string", map[string]any{"v": nil}, map[string]any{"v": ""}},
		{"empty object vs empty array", map[string]any{"v": map[string]any{}}, map[string]any{"v": []any{}}},
		{"nested number vs string", map[string]any{"v": []any{1}}, map[string]any{"v": []any{"1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ha, err := Hash(mustNormalize(t, f, tt.a))
			if err != nil {
				t.Fatal(err)
			}
			hb, err := Hash(mustNormalize(t, f, tt.b))
			if err != nil {
				t.Fatal(err)
			}
			if ha == hb {
				t.Errorf("hash %s shared by %v and %v", ha, tt.a, tt.b)
			}
		})
	}
}
