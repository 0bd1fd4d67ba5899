package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/graminpay/sentinel/internal/config"
	"github.com/graminpay/sentinel/internal/store"
)

const (
	testUser   = "user_11111111"
	testDevice = "device-abc-123"
	testSecret = "s3cret-device-key"
)

func testPolicy() Policy {
	return Policy{
		MaxQueued:    5,
		MaxAmount:    decimal.NewFromInt(50000),
		MaxAggregate: decimal.NewFromInt(100000),
		MaxAge:       72 * time.Hour,
		MinScore:     30,
	}
}

func newTestController(st *store.MemoryStore) *Controller {
	return NewController(NewMemoryQueue(), st, testPolicy(), nil)
}

func offlineTx(id string, amount int64) *store.Transaction {
	return &store.Transaction{
		ID:        id,
		UserID:    testUser,
		DeviceID:  testDevice,
		Type:      store.TypeDebit,
		Amount:    decimal.NewFromInt(amount),
		Timestamp: time.Now(),
		Status:    store.StatusPending,
	}
}

func TestQueue_AcceptsWithinPolicy(t *testing.T) {
	c := newTestController(store.NewMemoryStore())
	ctx := context.Background()

	result, err := c.Queue(ctx, testUser, offlineTx("txn_ok1", 1500), testDevice, testSecret)
	if err != nil {
		t.Fatalf("Queue failed: %v", err)
	}

	if !result.Accepted {
		t.Fatalf("expected acceptance, got errors %v", result.Errors)
	}
	if result.QueuePosition != 1 {
		t.Errorf("position = %d, want 1", result.QueuePosition)
	}
	if result.ValidationScore < 30 {
		t.Errorf("validation score = %.0f unexpectedly low", result.ValidationScore)
	}

	queued, err := c.queue.GetQueue(ctx, testUser)
	if err != nil || len(queued) != 1 {
		t.Fatalf("expected 1 queued item, got %d (err %v)", len(queued), err)
	}
	if queued[0].SecurityHash == "" {
		t.Error("queued item must carry an integrity hash")
	}
}

func TestQueue_CountCap(t *testing.T) {
	c := newTestController(store.NewMemoryStore())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r, err := c.Queue(ctx, testUser, offlineTx(fmt.Sprintf("txn_n%d", i), 500), testDevice, testSecret)
		if err != nil || !r.Accepted {
			t.Fatalf("queue %d: err=%v errors=%v", i, err, r.Errors)
		}
	}

	r, err := c.Queue(ctx, testUser, offlineTx("txn_over", 500), testDevice, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if r.Accepted {
		t.Fatal("sixth transaction must be rejected")
	}
	if len(r.Errors) == 0 || !strings.Contains(r.Errors[0], "queue already holds") {
		t.Errorf("unexpected errors: %v", r.Errors)
	}

	// Rejections never mutate the queue.
	queued, _ := c.queue.GetQueue(ctx, testUser)
	if len(queued) != 5 {
		t.Errorf("queue length = %d, want 5", len(queued))
	}
}

func TestQueue_AmountCaps(t *testing.T) {
	c := newTestController(store.NewMemoryStore())
	ctx := context.Background()

	// Per-transaction cap.
	r, err := c.Queue(ctx, testUser, offlineTx("txn_big", 50001), testDevice, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if r.Accepted {
		t.Error("amount above the per-transaction cap must be rejected")
	}

	// Aggregate cap: three 40k transactions exceed the 100k aggregate.
	for i := 0; i < 2; i++ {
		r, err = c.Queue(ctx, testUser, offlineTx(fmt.Sprintf("txn_agg%d", i), 40000), testDevice, testSecret)
		if err != nil || !r.Accepted {
			t.Fatalf("queue %d: err=%v errors=%v", i, err, r.Errors)
		}
	}
	r, err = c.Queue(ctx, testUser, offlineTx("txn_agg3", 40000), testDevice, testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if r.Accepted {
		t.Error("aggregate above cap must be rejected")
	}
	if len(r.Errors) == 0 || !strings.Contains(r.Errors[0], "aggregate") {
		t.Errorf("unexpected errors: %v", r.Errors)
	}
}

func TestQueue_ValidationScoreFloor(t *testing.T) {
	st := store.NewMemoryStore()
	c := NewController(NewMemoryQueue(), st, Policy{
		MaxQueued:    5,
		MaxAmount:    decimal.NewFromInt(50000),
		MaxAggregate: decimal.NewFromInt(100000),
		MaxAge:       72 * time.Hour,
		MinScore:     80, // strict floor for this test
	}, nil)

	// Bad device format (-30) plus round amount (-10) lands below 80.
	r, err := c.Queue(context.Background(), testUser, offlineTx("txn_bad", 5000), "x", testSecret)
	if err != nil {
		t.Fatal(err)
	}
	if r.Accepted {
		t.Fatalf("expected validation rejection, score %.0f", r.ValidationScore)
	}
	if len(r.Errors) == 0 || !strings.Contains(r.Errors[0], "validation score") {
		t.Errorf("unexpected errors: %v", r.Errors)
	}
}

func TestSync_CommitsAndClears(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(st)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r, err := c.Queue(ctx, testUser, offlineTx(fmt.Sprintf("txn_s%d", i), 700+int64(i)), testDevice, testSecret)
		if err != nil || !r.Accepted {
			t.Fatalf("queue %d: err=%v errors=%v", i, err, r.Errors)
		}
	}

	result, err := c.Sync(ctx, testUser, testSecret)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if result.Processed != 3 || result.Succeeded != 3 {
		t.Errorf("processed=%d succeeded=%d, want 3/3 (errors %v)", result.Processed, result.Succeeded, result.Errors)
	}

	// Transactions are committed to the main store.
	txs, err := st.GetUserTransactions(ctx, testUser, 0)
	if err != nil || len(txs) != 3 {
		t.Fatalf("expected 3 committed transactions, got %d (err %v)", len(txs), err)
	}

	// The queue is cleared after the pass.
	queued, _ := c.queue.GetQueue(ctx, testUser)
	if len(queued) != 0 {
		t.Errorf("queue not cleared: %d items remain", len(queued))
	}
}

func TestSync_TamperedPayloadFailsIntegrity(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(st)
	ctx := context.Background()

	r, err := c.Queue(ctx, testUser, offlineTx("txn_tamper", 700), testDevice, testSecret)
	if err != nil || !r.Accepted {
		t.Fatalf("queue: err=%v errors=%v", err, r.Errors)
	}

	// Tamper with the stored payload after signing.
	queued, _ := c.queue.GetQueue(ctx, testUser)
	tampered := *queued[0]
	tampered.Payload = append([]byte{}, tampered.Payload...)
	tampered.Payload = append(tampered.Payload, ' ')
	if err := c.queue.ClearQueue(ctx, testUser); err != nil {
		t.Fatal(err)
	}
	if err := c.queue.Enqueue(ctx, &tampered); err != nil {
		t.Fatal(err)
	}

	result, err := c.Sync(ctx, testUser, testSecret)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if result.Failed != 1 || result.Succeeded != 0 {
		t.Errorf("failed=%d succeeded=%d, want 1/0", result.Failed, result.Succeeded)
	}
	if len(result.Errors) == 0 || !strings.Contains(result.Errors[0], "integrity") {
		t.Errorf("unexpected errors: %v", result.Errors)
	}

	// Nothing committed; queue still cleared.
	txs, _ := st.GetUserTransactions(ctx, testUser, 0)
	if len(txs) != 0 {
		t.Errorf("tampered item must not commit, got %d transactions", len(txs))
	}
	remaining, _ := c.queue.GetQueue(ctx, testUser)
	if len(remaining) != 0 {
		t.Error("queue must be cleared even when all items fail")
	}
}

func TestSync_WrongSecretFailsEverything(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(st)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Queue(ctx, testUser, offlineTx(fmt.Sprintf("txn_w%d", i), 700), testDevice, testSecret); err != nil {
			t.Fatal(err)
		}
	}

	result, err := c.Sync(ctx, testUser, "wrong-secret")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if result.Failed != 2 || result.Succeeded != 0 {
		t.Errorf("failed=%d succeeded=%d, want 2/0", result.Failed, result.Succeeded)
	}
}

func TestSync_ExpiredItemFails(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(st)
	ctx := context.Background()

	tx := offlineTx("txn_old", 700)
	payload, err := json.Marshal(tx)
	if err != nil {
		t.Fatal(err)
	}
	item := &OfflineTransaction{
		ID:              "ofl_stale001",
		UserID:          testUser,
		DeviceID:        testDevice,
		Payload:         payload,
		Timestamp:       time.Now().Add(-80 * time.Hour),
		ValidationScore: 90,
		QueuePosition:   1,
	}
	item.SecurityHash = c.integrityHash(item, testSecret)
	if err := c.queue.Enqueue(ctx, item); err != nil {
		t.Fatal(err)
	}

	result, err := c.Sync(ctx, testUser, testSecret)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if result.Failed != 1 || result.Succeeded != 0 {
		t.Errorf("failed=%d succeeded=%d, want 1/0", result.Failed, result.Succeeded)
	}
	if len(result.Errors) == 0 || !strings.Contains(result.Errors[0], "longer than policy") {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
}

func TestSync_DeepQueueLargeAmountStillCommits(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(st)
	ctx := context.Background()

	// Queue four small items first so the large one sits past the depth cut.
	for i := 0; i < 4; i++ {
		if _, err := c.Queue(ctx, testUser, offlineTx(fmt.Sprintf("txn_f%d", i), 100), testDevice, testSecret); err != nil {
			t.Fatal(err)
		}
	}
	r, err := c.Queue(ctx, testUser, offlineTx("txn_f4", 30000), testDevice, testSecret)
	if err != nil || !r.Accepted {
		t.Fatalf("queue: err=%v errors=%v", err, r.Errors)
	}

	result, err := c.Sync(ctx, testUser, testSecret)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	// Depth 15 + large amount 25 = 40 stays under the 60 cut.
	if result.FraudDetected != 0 {
		t.Errorf("fraud=%d, want 0", result.FraudDetected)
	}
	if result.Succeeded != 5 {
		t.Errorf("succeeded=%d, want 5 (errors %v)", result.Succeeded, result.Errors)
	}
}

func TestSync_ExcludesHighRiskItemAsFraud(t *testing.T) {
	st := store.NewMemoryStore()
	c := newTestController(st)
	ctx := context.Background()

	// Large amount (25) deep in the queue (15) with a weak validation score
	// (20) hits the cut; the item is excluded rather than committed.
	tx := offlineTx("txn_risky1", 30000)
	payload, err := json.Marshal(tx)
	if err != nil {
		t.Fatal(err)
	}
	item := &OfflineTransaction{
		ID:              "ofl_risky001",
		UserID:          testUser,
		DeviceID:        testDevice,
		Payload:         payload,
		Timestamp:       time.Now(),
		ValidationScore: 40,
		QueuePosition:   4,
	}
	item.SecurityHash = c.integrityHash(item, testSecret)
	if err := c.queue.Enqueue(ctx, item); err != nil {
		t.Fatal(err)
	}

	result, err := c.Sync(ctx, testUser, testSecret)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if result.FraudDetected != 1 {
		t.Errorf("fraud=%d, want 1 (errors %v)", result.FraudDetected, result.Errors)
	}
	if result.Succeeded != 0 || result.Failed != 0 {
		t.Errorf("succeeded=%d failed=%d, want 0/0", result.Succeeded, result.Failed)
	}
	if len(result.Errors) == 0 || !strings.Contains(result.Errors[0], "second-pass risk") {
		t.Errorf("unexpected errors: %v", result.Errors)
	}

	// The excluded item never reaches the main store.
	txs, _ := st.GetUserTransactions(ctx, testUser, 0)
	if len(txs) != 0 {
		t.Errorf("excluded item must not commit, got %d transactions", len(txs))
	}
}

func TestSyncRisk_Accumulation(t *testing.T) {
	c := newTestController(store.NewMemoryStore())

	tests := []struct {
		name   string
		amount int64
		pos    int
		score  float64
		want   float64
	}{
		{"clean", 100, 1, 90, 0},
		{"large amount", 30000, 1, 90, 25},
		{"deep queue", 100, 4, 90, 15},
		{"low validation", 100, 1, 40, 20},
		{"all three stacked", 30000, 4, 40, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := &OfflineTransaction{QueuePosition: tt.pos, ValidationScore: tt.score}
			tx := offlineTx("txn_r", tt.amount)
			if got := c.syncRisk(item, tx); got != tt.want {
				t.Errorf("syncRisk = %.0f, want %.0f", got, tt.want)
			}
		})
	}
}

func TestPolicyFromConfigFallbacks(t *testing.T) {
	p := PolicyFromConfig(&config.Config{
		OfflineMaxQueued:    7,
		OfflineMaxAmount:    "garbage",
		OfflineMaxAggregate: "also-garbage",
		OfflineMaxAgeHours:  48,
		OfflineMinScore:     25,
	})

	if p.MaxQueued != 7 {
		t.Errorf("MaxQueued = %d, want 7", p.MaxQueued)
	}
	if p.MaxAge != 48*time.Hour {
		t.Errorf("MaxAge = %s, want 48h", p.MaxAge)
	}
	if !p.MaxAmount.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("MaxAmount fallback = %s, want 50000", p.MaxAmount)
	}
	if !p.MaxAggregate.Equal(decimal.NewFromInt(100000)) {
		t.Errorf("MaxAggregate fallback = %s, want 100000", p.MaxAggregate)
	}
}
