//go:build integration

package offline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/graminpay/sentinel/internal/store"
	"github.com/graminpay/sentinel/internal/testutil"
)

func setupPGQueue(t *testing.T) (*PostgresQueue, *store.PostgresStore, func()) {
	t.Helper()

	db, cleanup := testutil.PGTest(t)
	ctx := context.Background()

	q := NewPostgresQueue(db)
	if err := q.Migrate(ctx); err != nil {
		cleanup()
		t.Fatalf("migrate queue: %v", err)
	}
	s := store.NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		cleanup()
		t.Fatalf("migrate store: %v", err)
	}
	return q, s, cleanup
}

func TestPostgresQueue_RoundTripAndClear(t *testing.T) {
	q, _, cleanup := setupPGQueue(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	mkItem := func(id, userID string, pos int) *OfflineTransaction {
		return &OfflineTransaction{
			ID:              id,
			UserID:          userID,
			DeviceID:        testDevice,
			Payload:         []byte(`{"id":"` + id + `","amount":"700"}`),
			Timestamp:       now,
			SecurityHash:    "deadbeef" + id,
			ValidationScore: 85,
			QueuePosition:   pos,
		}
	}

	for _, item := range []*OfflineTransaction{
		mkItem("ofl_pgb0000001", "user_pgqueue01", 2),
		mkItem("ofl_pga0000001", "user_pgqueue01", 1),
		mkItem("ofl_pgc0000001", "user_pgother01", 1),
	} {
		if err := q.Enqueue(ctx, item); err != nil {
			t.Fatalf("enqueue %s: %v", item.ID, err)
		}
	}

	queued, err := q.GetQueue(ctx, "user_pgqueue01")
	if err != nil {
		t.Fatalf("GetQueue failed: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected 2 items, got %d", len(queued))
	}
	// Position order, not insertion order.
	if queued[0].ID != "ofl_pga0000001" || queued[1].ID != "ofl_pgb0000001" {
		t.Errorf("order = %s, %s", queued[0].ID, queued[1].ID)
	}
	// The payload bytes must survive the round trip unmodified.
	if !bytes.Equal(queued[0].Payload, []byte(`{"id":"ofl_pga0000001","amount":"700"}`)) {
		t.Errorf("payload changed: %s", queued[0].Payload)
	}
	if queued[0].SecurityHash != "deadbeefofl_pga0000001" || queued[0].ValidationScore != 85 {
		t.Errorf("hash/score = %q/%.0f", queued[0].SecurityHash, queued[0].ValidationScore)
	}
	if !queued[0].Timestamp.Equal(now) {
		t.Errorf("timestamp = %s, want %s", queued[0].Timestamp, now)
	}

	if err := q.ClearQueue(ctx, "user_pgqueue01"); err != nil {
		t.Fatalf("ClearQueue failed: %v", err)
	}
	queued, _ = q.GetQueue(ctx, "user_pgqueue01")
	if len(queued) != 0 {
		t.Errorf("queue not cleared: %d items remain", len(queued))
	}
	// Other users' queues are untouched.
	other, _ := q.GetQueue(ctx, "user_pgother01")
	if len(other) != 1 {
		t.Errorf("other user's queue = %d items, want 1", len(other))
	}
}

func TestPostgresQueue_EndToEndSync(t *testing.T) {
	q, s, cleanup := setupPGQueue(t)
	defer cleanup()
	ctx := context.Background()

	c := NewController(q, s, testPolicy(), nil)

	// Admission and reconciliation both run against Postgres: the integrity
	// hash must survive the storage round trip.
	for _, id := range []string{"txn_pge2e0001", "txn_pge2e0002"} {
		r, err := c.Queue(ctx, testUser, offlineTx(id, 700), testDevice, testSecret)
		if err != nil || !r.Accepted {
			t.Fatalf("queue %s: err=%v errors=%v", id, err, r.Errors)
		}
	}

	result, err := c.Sync(ctx, testUser, testSecret)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Succeeded != 2 || result.Failed != 0 || result.FraudDetected != 0 {
		t.Fatalf("succeeded=%d failed=%d fraud=%d, want 2/0/0 (errors %v)",
			result.Succeeded, result.Failed, result.FraudDetected, result.Errors)
	}

	txs, err := s.GetUserTransactions(ctx, testUser, 0)
	if err != nil || len(txs) != 2 {
		t.Fatalf("expected 2 committed transactions, got %d (err %v)", len(txs), err)
	}

	queued, _ := q.GetQueue(ctx, testUser)
	if len(queued) != 0 {
		t.Errorf("queue not cleared after sync: %d items remain", len(queued))
	}
}
