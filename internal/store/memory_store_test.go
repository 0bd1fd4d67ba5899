package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testFingerprint(userID, deviceID string, trust float64) *DeviceFingerprint {
	now := time.Now()
	return &DeviceFingerprint{
		ID:         "dev_" + deviceID,
		UserID:     userID,
		DeviceID:   deviceID,
		TrustScore: trust,
		FirstSeen:  now,
		LastSeen:   now,
		IsActive:   true,
	}
}

func TestCreateTransaction_CopiesInput(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx := &Transaction{ID: "txn_1", UserID: "user_a", Amount: decimal.NewFromInt(100), Timestamp: time.Now()}
	if err := s.CreateTransaction(ctx, tx); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's struct must not reach the store.
	tx.Amount = decimal.NewFromInt(999)

	got, err := s.GetUserTransactions(ctx, "user_a", 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("got %d transactions (err %v)", len(got), err)
	}
	if !got[0].Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("stored amount = %s, want 100", got[0].Amount)
	}
}

func TestGetUserTransactions_NewestFirstWithLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	// Insert out of order.
	for _, i := range []int{2, 0, 4, 1, 3} {
		tx := &Transaction{
			ID:        fmt.Sprintf("txn_%d", i),
			UserID:    "user_a",
			Amount:    decimal.NewFromInt(int64(i)),
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		}
		if err := s.CreateTransaction(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetUserTransactions(ctx, "user_a", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"txn_4", "txn_3", "txn_2"} {
		if got[i].ID != want {
			t.Errorf("position %d = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestSetTransactionScore(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx := &Transaction{ID: "txn_score", UserID: "user_a", Status: StatusPending, Timestamp: time.Now()}
	if err := s.CreateTransaction(ctx, tx); err != nil {
		t.Fatal(err)
	}

	if err := s.SetTransactionScore(ctx, "txn_score", 72.5, StatusFlagged); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetUserTransactions(ctx, "user_a", 0)
	if got[0].FraudScore != 72.5 || got[0].Status != StatusFlagged {
		t.Errorf("score=%.1f status=%s, want 72.5/flagged", got[0].FraudScore, got[0].Status)
	}

	if err := s.SetTransactionScore(ctx, "txn_missing", 10, StatusVerified); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetAgentTransactions_Windows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	for _, d := range []int{1, 10, 40, 70} {
		tx := &Transaction{
			ID:        fmt.Sprintf("txn_d%d", d),
			UserID:    "agent_a",
			Timestamp: now.Add(-time.Duration(d) * 24 * time.Hour),
		}
		if err := s.CreateTransaction(ctx, tx); err != nil {
			t.Fatal(err)
		}
	}

	// Trailing 30 days.
	current, err := s.GetAgentTransactions(ctx, "agent_a", 30, 0)
	if err != nil || len(current) != 2 {
		t.Fatalf("current window: %d txs (err %v), want 2", len(current), err)
	}

	// Days 30-60 back.
	prior, err := s.GetAgentTransactions(ctx, "agent_a", 30, 30)
	if err != nil || len(prior) != 1 {
		t.Fatalf("prior window: %d txs (err %v), want 1", len(prior), err)
	}
	if prior[0].ID != "txn_d40" {
		t.Errorf("prior window holds %s, want txn_d40", prior[0].ID)
	}
}

func TestCreateDeviceFingerprint_DuplicateAndRange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateDeviceFingerprint(ctx, testFingerprint("user_a", "dev-1", 50)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateDeviceFingerprint(ctx, testFingerprint("user_a", "dev-1", 60)); !errors.Is(err, ErrDuplicateDevice) {
		t.Errorf("err = %v, want ErrDuplicateDevice", err)
	}
	// The same device id under a different user is a distinct fingerprint.
	if err := s.CreateDeviceFingerprint(ctx, testFingerprint("user_b", "dev-1", 50)); err != nil {
		t.Errorf("cross-user duplicate: %v", err)
	}

	if err := s.CreateDeviceFingerprint(ctx, testFingerprint("user_c", "dev-2", 9)); !errors.Is(err, ErrTrustOutOfRange) {
		t.Errorf("trust 9: err = %v, want ErrTrustOutOfRange", err)
	}
	if err := s.CreateDeviceFingerprint(ctx, testFingerprint("user_c", "dev-2", 91)); !errors.Is(err, ErrTrustOutOfRange) {
		t.Errorf("trust 91: err = %v, want ErrTrustOutOfRange", err)
	}
}

func TestTouchDevice(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateDeviceFingerprint(ctx, testFingerprint("user_a", "dev-1", 50)); err != nil {
		t.Fatal(err)
	}

	seen := time.Now().Add(time.Hour)
	if err := s.TouchDevice(ctx, "user_a", "dev-1", 51, seen); err != nil {
		t.Fatal(err)
	}

	fp, err := s.GetDeviceFingerprint(ctx, "user_a", "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if fp.TrustScore != 51 || !fp.LastSeen.Equal(seen) {
		t.Errorf("trust=%.0f lastSeen=%s after touch", fp.TrustScore, fp.LastSeen)
	}

	if err := s.TouchDevice(ctx, "user_a", "dev-missing", 50, seen); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetUserDevices_OrderedByFirstSeen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, deviceID := range []string{"dev-c", "dev-a", "dev-b"} {
		fp := testFingerprint("user_a", deviceID, 50)
		fp.FirstSeen = base.Add(time.Duration(2-i) * 24 * time.Hour)
		if err := s.CreateDeviceFingerprint(ctx, fp); err != nil {
			t.Fatal(err)
		}
	}

	devices, err := s.GetUserDevices(ctx, "user_a")
	if err != nil || len(devices) != 3 {
		t.Fatalf("got %d devices (err %v)", len(devices), err)
	}
	for i, want := range []string{"dev-b", "dev-a", "dev-c"} {
		if devices[i].DeviceID != want {
			t.Errorf("position %d = %s, want %s", i, devices[i].DeviceID, want)
		}
	}
}

func TestSimSwapVerification(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	d := &SimSwapDetection{ID: "sim_1", UserID: "user_a", DetectionScore: 80, Timestamp: time.Now()}
	if err := s.CreateSimSwapDetection(ctx, d); err != nil {
		t.Fatal(err)
	}

	if err := s.VerifySimSwapDetection(ctx, "sim_1", true); err != nil {
		t.Fatal(err)
	}

	events, _ := s.GetUserSimSwapEvents(ctx, "user_a")
	if len(events) != 1 || !events[0].Verified {
		t.Errorf("expected one verified detection, got %+v", events)
	}

	if err := s.VerifySimSwapDetection(ctx, "sim_missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSecurityEvents_UnresolvedFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	for i, resolved := range []bool{false, true, false} {
		ev := &SecurityEvent{
			ID:        fmt.Sprintf("sec_%d", i),
			UserID:    "user_a",
			EventType: "sim_swap_detected",
			Severity:  SeverityHigh,
			Resolved:  resolved,
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateSecurityEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	all, _ := s.GetUserSecurityEvents(ctx, "user_a", false)
	if len(all) != 3 {
		t.Errorf("all events = %d, want 3", len(all))
	}
	open, _ := s.GetUserSecurityEvents(ctx, "user_a", true)
	if len(open) != 2 {
		t.Errorf("unresolved events = %d, want 2", len(open))
	}

	if err := s.ResolveSecurityEvent(ctx, "sec_0"); err != nil {
		t.Fatal(err)
	}
	open, _ = s.GetUserSecurityEvents(ctx, "user_a", true)
	if len(open) != 1 {
		t.Errorf("unresolved after resolve = %d, want 1", len(open))
	}
}

func TestFraudAlerts_DismissFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		a := &FraudAlert{
			ID:        fmt.Sprintf("alert_%d", i),
			UserID:    "user_a",
			AlertType: "sim_swap",
			Severity:  AlertDanger,
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateFraudAlert(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.DismissFraudAlert(ctx, "alert_0"); err != nil {
		t.Fatal(err)
	}

	active, _ := s.GetUserFraudAlerts(ctx, "user_a", false)
	if len(active) != 1 || active[0].ID != "alert_1" {
		t.Errorf("active alerts = %+v, want only alert_1", active)
	}
	all, _ := s.GetUserFraudAlerts(ctx, "user_a", true)
	if len(all) != 2 {
		t.Errorf("all alerts = %d, want 2", len(all))
	}

	if err := s.DismissFraudAlert(ctx, "alert_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSecurityEvent_DetailsCopied(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	details := map[string]any{"score": 80.0}
	ev := &SecurityEvent{ID: "sec_d", UserID: "user_a", EventType: "sim_swap_detected", Details: details, Timestamp: time.Now()}
	if err := s.CreateSecurityEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}

	details["score"] = 0.0

	got, _ := s.GetUserSecurityEvents(ctx, "user_a", false)
	if got[0].Details["score"] != 80.0 {
		t.Errorf("details mutated through caller's map: %v", got[0].Details)
	}
}
