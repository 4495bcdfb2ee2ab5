package journal

import (
	"context"
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"
)

const bucketName = "refund_attempts"

// BoltJournal keeps entries in a single bolt file so they survive a crash
// between the gateway call and the ledger write.
type BoltJournal struct {
	db  *bolt.DB
	now func() time.Time
}

func OpenBolt(path string) (*BoltJournal, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltJournal{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (j *BoltJournal) Close() error {
	return j.db.Close()
}

func (j *BoltJournal) Claim(ctx context.Context, entry Entry) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}

	var result Entry
	claimed := false
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		key := []byte(entry.IdempotencyKey)

		var previous *Entry
		if raw := b.Get(key); raw != nil {
			var existing Entry
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if !claimable(existing) {
				result = existing
				return nil
			}
			previous = &existing
		}

		result = newClaim(entry, previous, j.now())
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		claimed = true
		return b.Put(key, data)
	})
	if err != nil {
		return Entry{}, false, err
	}
	return result, claimed, nil
}

func (j *BoltJournal) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	var entry Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketName)).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (j *BoltJournal) MarkGatewaySucceeded(ctx context.Context, key string, outcome Outcome) (Entry, error) {
	return j.transition(ctx, key, StateGatewaySucceeded, withOutcome(outcome))
}

func (j *BoltJournal) MarkPersisted(ctx context.Context, key string, localRefundID string) error {
	_, err := j.transition(ctx, key, StatePersisted, withLocalID(localRefundID))
	return err
}

func (j *BoltJournal) MarkFailed(ctx context.Context, key string, reason string) error {
	_, err := j.transition(ctx, key, StateFailed, withError(reason))
	return err
}

func (j *BoltJournal) MarkDeclined(ctx context.Context, key string, reason string) error {
	_, err := j.transition(ctx, key, StateDeclined, withError(reason))
	return err
}

func (j *BoltJournal) ListByState(ctx context.Context, state State) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items := []Entry{}
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.State == state {
				items = append(items, entry)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// transition reads, advances and writes the entry inside one bolt update.
func (j *BoltJournal) transition(ctx context.Context, key string, to State, mutate func(*Entry)) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	var result Entry
	err := j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return err
		}
		if err := advance(&result, to, mutate, j.now()); err != nil {
			return err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return Entry{}, err
	}
	return result, nil
}
