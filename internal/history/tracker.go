// Package history decides whether a fetched snapshot is a material change
// and turns it into an append-only, versioned audit trail.
package history

import (
	"time"

	"github.com/matheus3301/thistory/internal/archive"
)

// Tracker normalizes, hashes and diffs snapshots of one entity type.
type Tracker struct {
	filter FieldFilter
	now    func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source used for validTo and lastUpdate.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker applying filter to every snapshot.
func NewTracker(filter FieldFilter, opts ...Option) *Tracker {
	t := &Tracker{filter: filter, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Now returns the tracker's current time.
func (t *Tracker) Now() time.Time {
	return t.now().UTC()
}

// Normalize filters raw and returns the canonical content with its hash.
func (t *Tracker) Normalize(raw map[string]any) (archive.Content, string, error) {
	c, err := t.filter.Normalize(raw)
	if err != nil {
		return nil, "", err
	}
	h, err := Hash(c)
	if err != nil {
		return nil, "", err
	}
	return c, h, nil
}

// Revise compares a stored snapshot with an incoming one that has already
// been normalized. It returns nil when the hashes match. Otherwise the
// revision carries the new content and, if the structural diff is not empty,
// a history entry closing the validity of the prior snapshot.
func (t *Tracker) Revise(prior archive.Content, priorHash string, priorUpdate time.Time, incoming archive.Content, incomingHash string) (*archive.Revision, error) {
	if incomingHash == priorHash {
		return nil, nil
	}
	// Stored content may predate a filter change; compare like with like.
	stripped, err := t.filter.Normalize(prior)
	if err != nil {
		return nil, err
	}
	now := t.Now()
	rev := &archive.Revision{
		PrevHash:   priorHash,
		Content:    incoming,
		Hash:       incomingHash,
		LastUpdate: now,
	}
	if changes := Diff(stripped, incoming); len(changes) > 0 {
		rev.Entry = &archive.HistoryEntry{
			Diff:      changes,
			ValidFrom: priorUpdate,
			ValidTo:   now,
		}
	}
	return rev, nil
}
