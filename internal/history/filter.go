package history

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/matheus3301/thistory/internal/archive"
)

// FieldFilter selects the top-level fields of an entity that take part in
// hashing and diffing. An empty Allow list admits every field; Deny always wins.
type FieldFilter struct {
	Allow []string `toml:"allow"`
	Deny  []string `toml:"deny"`
}

// DefaultConversationFilter drops fields that change on every inbound message.
func DefaultConversationFilter() FieldFilter {
	return FieldFilter{Deny: []string{
		"@extra",
		"@client_id",
		"last_message",
		"last_read_inbox_message_id",
		"last_read_outbox_message_id",
		"unread_count",
		"unread_mention_count",
		"unread_reaction_count",
		"positions",
	}}
}

// DefaultMessageFilter drops transport-only fields.
func DefaultMessageFilter() FieldFilter {
	return FieldFilter{Deny: []string{"@extra", "@client_id"}}
}

// Normalize returns a canonical copy of raw restricted by the filter. The copy
// is produced by a JSON round trip so numbers are json.Number regardless of
// how the caller built raw.
func (f FieldFilter) Normalize(raw map[string]any) (archive.Content, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	c, err := archive.DecodeContent(b)
	if err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if len(f.Allow) > 0 {
		for k := range c {
			if !slices.Contains(f.Allow, k) {
				delete(c, k)
			}
		}
	}
	for _, k := range f.Deny {
		delete(c, k)
	}
	return c, nil
}
