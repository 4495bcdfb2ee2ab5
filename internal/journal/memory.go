package journal

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryJournal is used when no journal file is configured. Entries are lost
// on restart.
type MemoryJournal struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

func NewMemory() *MemoryJournal {
	return &MemoryJournal{
		entries: map[string]Entry{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (j *MemoryJournal) Close() error { return nil }

func (j *MemoryJournal) Claim(ctx context.Context, entry Entry) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	var previous *Entry
	if existing, ok := j.entries[entry.IdempotencyKey]; ok {
		if !claimable(existing) {
			return existing, false, nil
		}
		previous = &existing
	}
	claimed := newClaim(entry, previous, j.now())
	j.entries[entry.IdempotencyKey] = claimed
	return claimed, true, nil
}

func (j *MemoryJournal) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (j *MemoryJournal) MarkGatewaySucceeded(ctx context.Context, key string, outcome Outcome) (Entry, error) {
	return j.transition(ctx, key, StateGatewaySucceeded, withOutcome(outcome))
}

func (j *MemoryJournal) MarkPersisted(ctx context.Context, key string, localRefundID string) error {
	_, err := j.transition(ctx, key, StatePersisted, withLocalID(localRefundID))
	return err
}

func (j *MemoryJournal) MarkFailed(ctx context.Context, key string, reason string) error {
	_, err := j.transition(ctx, key, StateFailed, withError(reason))
	return err
}

func (j *MemoryJournal) MarkDeclined(ctx context.Context, key string, reason string) error {
	_, err := j.transition(ctx, key, StateDeclined, withError(reason))
	return err
}

func (j *MemoryJournal) ListByState(ctx context.Context, state State) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	items := []Entry{}
	for _, entry := range j.entries {
		if entry.State == state {
			items = append(items, entry)
		}
	}
	sort.Slice(items, func(i, k int) bool { return items[i].IdempotencyKey < items[k].IdempotencyKey })
	return items, nil
}

func (j *MemoryJournal) transition(ctx context.Context, key string, to State, mutate func(*Entry)) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, ok := j.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if err := advance(&entry, to, mutate, j.now()); err != nil {
		return Entry{}, err
	}
	j.entries[key] = entry
	return entry, nil
}
