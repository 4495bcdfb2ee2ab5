package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"refundledger/backend/internal/domain"
)

func openJournals(t *testing.T) map[string]Journal {
	t.Helper()
	boltJournal, err := OpenBolt(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("failed to open bolt journal: %v", err)
	}
	t.Cleanup(func() { boltJournal.Close() })
	return map[string]Journal{
		"bolt":   boltJournal,
		"memory": NewMemory(),
	}
}

func sampleEntry(key string) Entry {
	return Entry{
		IdempotencyKey: key,
		OrderID:        "ord-1",
		Refund: domain.Refund{
			ID:          "ref-1",
			OrderID:     "ord-1",
			AmountCents: 3000,
			Status:      domain.RefundStatusPending,
		},
	}
}

func TestClaimIsCreateIfAbsent(t *testing.T) {
	for name, j := range openJournals(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, claimed, err := j.Claim(ctx, sampleEntry("k1"))
			if err != nil || !claimed {
				t.Fatalf("expected first claim, got claimed=%v err=%v", claimed, err)
			}
			if first.State != StateClaimed || first.Attempts != 1 {
				t.Fatalf("unexpected entry: %+v", first)
			}

			second, claimed, err := j.Claim(ctx, sampleEntry("k1"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if claimed {
				t.Fatal("expected second claim to be refused")
			}
			if !second.CreatedAt.Equal(first.CreatedAt) {
				t.Fatal("existing entry should be returned unchanged")
			}
		})
	}
}

func TestFullLifecycle(t *testing.T) {
	for name, j := range openJournals(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, _, err := j.Claim(ctx, sampleEntry("k2")); err != nil {
				t.Fatalf("claim: %v", err)
			}
			entry, err := j.MarkGatewaySucceeded(ctx, "k2", Outcome{GatewayRefundID: "gw-1", Status: domain.RefundStatusSucceeded, AmountCents: 3000})
			if err != nil {
				t.Fatalf("mark gateway: %v", err)
			}
			if entry.GatewayRefundID != "gw-1" || entry.State != StateGatewaySucceeded {
				t.Fatalf("unexpected entry: %+v", entry)
			}

			pending, err := j.ListByState(ctx, StateGatewaySucceeded)
			if err != nil || len(pending) != 1 || pending[0].Refund.ID != "ref-1" {
				t.Fatalf("expected one entry awaiting persistence, got %v err=%v", pending, err)
			}

			if err := j.MarkPersisted(ctx, "k2", "ref-1"); err != nil {
				t.Fatalf("mark persisted: %v", err)
			}
			got, err := j.Get(ctx, "k2")
			if err != nil || got.State != StatePersisted || got.LocalRefundID != "ref-1" {
				t.Fatalf("unexpected final entry %+v err=%v", got, err)
			}

			if err := j.MarkFailed(ctx, "k2", "late"); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected invalid transition from persisted, got %v", err)
			}
		})
	}
}

func TestFailedEntryCanBeReclaimed(t *testing.T) {
	for name, j := range openJournals(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, _, err := j.Claim(ctx, sampleEntry("k3")); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if err := j.MarkFailed(ctx, "k3", "gateway timeout"); err != nil {
				t.Fatalf("mark failed: %v", err)
			}
			entry, claimed, err := j.Claim(ctx, sampleEntry("k3"))
			if err != nil || !claimed {
				t.Fatalf("expected re-claim, got claimed=%v err=%v", claimed, err)
			}
			if entry.Attempts != 2 || entry.LastError != "" {
				t.Fatalf("unexpected re-claimed entry: %+v", entry)
			}
		})
	}
}

func TestDeclinedEntryCanBeReclaimed(t *testing.T) {
	for name, j := range openJournals(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, _, err := j.Claim(ctx, sampleEntry("k4")); err != nil {
				t.Fatalf("claim: %v", err)
			}
			if err := j.MarkDeclined(ctx, "k4", "card closed"); err != nil {
				t.Fatalf("mark declined: %v", err)
			}
			if _, err := j.MarkGatewaySucceeded(ctx, "k4", Outcome{}); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected invalid transition from declined, got %v", err)
			}
			entry, claimed, err := j.Claim(ctx, sampleEntry("k4"))
			if err != nil || !claimed {
				t.Fatalf("expected declined entry to be re-claimed, got claimed=%v err=%v", claimed, err)
			}
			if entry.State != StateClaimed || entry.Attempts != 2 || entry.LastError != "" {
				t.Fatalf("unexpected re-claimed entry: %+v", entry)
			}
		})
	}
}

func TestMissingEntry(t *testing.T) {
	for name, j := range openJournals(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := j.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := j.MarkPersisted(context.Background(), "nope", "x"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestBoltJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if _, _, err := j.Claim(ctx, sampleEntry("k5")); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := j.MarkGatewaySucceeded(ctx, "k5", Outcome{GatewayRefundID: "gw-5", Status: domain.RefundStatusSucceeded, AmountCents: 3000}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	entry, err := reopened.Get(ctx, "k5")
	if err != nil || entry.State != StateGatewaySucceeded || entry.GatewayRefundID != "gw-5" {
		t.Fatalf("expected entry to survive reopen, got %+v err=%v", entry, err)
	}
}
