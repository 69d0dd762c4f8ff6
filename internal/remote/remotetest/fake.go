// Package remotetest provides an in-memory remote.API for tests.
package remotetest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/thistory/internal/remote"
)

// PageRequest records one FetchMessagePage call.
type PageRequest struct {
	ConversationID int64
	FromMessageID  int64
	Limit          int
}

// Fake serves conversations and messages held in memory. Pages are cut from
// the stored messages newest first, like the real history endpoint.
type Fake struct {
	mu            sync.Mutex
	conversations map[int64]*remote.ConversationSnapshot
	messages      map[int64]map[int64]map[string]any
	holes         map[int64]map[int64]bool
	pages         map[int64][][]*remote.MessageSnapshot
	errs          map[string]error
	requests      []PageRequest
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		conversations: map[int64]*remote.ConversationSnapshot{},
		messages:      map[int64]map[int64]map[string]any{},
		holes:         map[int64]map[int64]bool{},
		pages:         map[int64][][]*remote.MessageSnapshot{},
		errs:          map[string]error{},
	}
}

var _ remote.API = (*Fake)(nil)

// AddConversation registers a conversation of type typ with raw content.
func (f *Fake) AddConversation(id int64, typ string, raw map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if raw == nil {
		raw = map[string]any{}
	}
	raw["id"] = id
	raw["type"] = map[string]any{"@type": typ}
	f.conversations[id] = &remote.ConversationSnapshot{ID: id, Type: typ, Raw: raw}
	f.refreshHead(id)
}

// PutMessage adds or replaces a message.
func (f *Fake) PutMessage(conversationID, id int64, raw map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages[conversationID] == nil {
		f.messages[conversationID] = map[int64]map[string]any{}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	raw["id"] = id
	raw["chat_id"] = conversationID
	f.messages[conversationID][id] = raw
	f.refreshHead(conversationID)
}

// DeleteMessage removes a message remotely.
func (f *Fake) DeleteMessage(conversationID, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages[conversationID], id)
	f.refreshHead(conversationID)
}

// Hole makes the message render as a nil entry in pages.
func (f *Fake) Hole(conversationID, id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holes[conversationID] == nil {
		f.holes[conversationID] = map[int64]bool{}
	}
	f.holes[conversationID][id] = true
}

// ScriptPages makes the next FetchMessagePage calls for conversationID return
// pages in order, regardless of the requested cursor.
func (f *Fake) ScriptPages(conversationID int64, pages ...[]*remote.MessageSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[conversationID] = append(f.pages[conversationID], pages...)
}

// FailNext makes the next call of method ("list", "conversation" or "page")
// return err.
func (f *Fake) FailNext(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[method] = err
}

// Requests returns the page requests made so far.
func (f *Fake) Requests() []PageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}

// ListConversationIDs returns every registered conversation id in ascending order.
func (f *Fake) ListConversationIDs(_ context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("list"); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(f.conversations))
	for id := range f.conversations {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// FetchConversation returns a copy of the registered snapshot.
func (f *Fake) FetchConversation(_ context.Context, id int64) (*remote.ConversationSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeErr("conversation"); err != nil {
		return nil, err
	}
	c, ok := f.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %d not found", id)
	}
	cp := *c
	cp.Raw = maps.Clone(c.Raw)
	return &cp, nil
}

// FetchMessagePage returns up to limit messages with id <= fromMessageID
// (any id when 0), newest first.
func (f *Fake) FetchMessagePage(_ context.Context, conversationID, fromMessageID int64, limit, _ int) ([]*remote.MessageSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, PageRequest{ConversationID: conversationID, FromMessageID: fromMessageID, Limit: limit})
	if err := f.takeErr("page"); err != nil {
		return nil, err
	}
	if scripted := f.pages[conversationID]; len(scripted) > 0 {
		f.pages[conversationID] = scripted[1:]
		return scripted[0], nil
	}

	ids := make([]int64, 0, len(f.messages[conversationID]))
	for id := range f.messages[conversationID] {
		if fromMessageID == 0 || id <= fromMessageID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	slices.Reverse(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}

	page := make([]*remote.MessageSnapshot, len(ids))
	for i, id := range ids {
		if f.holes[conversationID][id] {
			continue
		}
		page[i] = Message(conversationID, id, f.messages[conversationID][id])
	}
	return page, nil
}

// Message builds a snapshot with a date derived from id.
func Message(conversationID, id int64, raw map[string]any) *remote.MessageSnapshot {
	raw = maps.Clone(raw)
	if raw == nil {
		raw = map[string]any{}
	}
	raw["id"] = id
	date := time.Unix(1_700_000_000+id, 0).UTC()
	raw["date"] = date.Unix()
	return &remote.MessageSnapshot{ConversationID: conversationID, ID: id, Date: date, Raw: raw}
}

func (f *Fake) refreshHead(conversationID int64) {
	c, ok := f.conversations[conversationID]
	if !ok {
		return
	}
	var head int64
	for id := range f.messages[conversationID] {
		head = max(head, id)
	}
	c.LastMessageID = head
	if head == 0 {
		delete(c.Raw, "last_message")
	} else {
		c.Raw["last_message"] = map[string]any{"id": head}
	}
}

func (f *Fake) takeErr(method string) error {
	err := f.errs[method]
	delete(f.errs, method)
	return err
}
