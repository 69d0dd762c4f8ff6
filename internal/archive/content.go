package archive

import (
	"bytes"
	"encoding/json"
)

// DecodeContent parses a stored JSON object. Numbers are kept as json.Number
// so 64-bit ids survive and values compare equal to freshly normalized content.
func DecodeContent(b []byte) (Content, error) {
	if len(b) == 0 {
		return Content{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var c Content
	if err := dec.Decode(&c); err != nil {
		return nil, err
	}
	if c == nil {
		c = Content{}
	}
	return c, nil
}

// DecodeHistory parses a stored JSON history array.
func DecodeHistory(b []byte) ([]HistoryEntry, error) {
	if len(b) == 0 {
		return []HistoryEntry{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var h []HistoryEntry
	if err := dec.Decode(&h); err != nil {
		return nil, err
	}
	if h == nil {
		h = []HistoryEntry{}
	}
	return h, nil
}
