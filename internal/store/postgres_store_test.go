//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/graminpay/sentinel/internal/testutil"
)

func setupPG(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	db, cleanup := testutil.PGTest(t)
	s := NewPostgresStore(db)
	if err := s.Migrate(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}
	return s, cleanup
}

func TestPostgres_TransactionRoundTrip(t *testing.T) {
	s, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	at := time.Now().Add(-time.Hour).Truncate(time.Microsecond)
	tx := &Transaction{
		ID:          "txn_pground01",
		UserID:      "user_pg111111",
		DeviceID:    "device-pg-1",
		Type:        TypeCredit,
		Amount:      decimal.NewFromInt(1250),
		Description: "pension credit",
		Location:    "rampur",
		Timestamp:   at,
		Status:      StatusPending,
	}
	if err := s.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}

	txs, err := s.GetUserTransactions(ctx, "user_pg111111", 0)
	if err != nil {
		t.Fatalf("GetUserTransactions failed: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txs))
	}

	got := txs[0]
	if got.Type != TypeCredit || got.Status != StatusPending {
		t.Errorf("type/status = %s/%s, want credit/pending", got.Type, got.Status)
	}
	if !got.Amount.Equal(decimal.NewFromInt(1250)) {
		t.Errorf("amount = %s, want 1250", got.Amount)
	}
	if got.DeviceID != "device-pg-1" || got.Location != "rampur" {
		t.Errorf("device/location = %q/%q", got.DeviceID, got.Location)
	}
	if !got.Timestamp.Equal(at) {
		t.Errorf("timestamp = %s, want %s", got.Timestamp, at)
	}
}

func TestPostgres_TransactionOrderingAndLimit(t *testing.T) {
	s, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	for i, id := range []string{"txn_pgold0001", "txn_pgmid0001", "txn_pgnew0001"} {
		tx := &Transaction{
			ID:        id,
			UserID:    "user_pg222222",
			Type:      TypeDebit,
			Amount:    decimal.NewFromInt(100),
			Timestamp: now.Add(-time.Duration(3-i) * time.Hour),
			Status:    StatusVerified,
		}
		if err := s.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	txs, err := s.GetUserTransactions(ctx, "user_pg222222", 2)
	if err != nil {
		t.Fatalf("GetUserTransactions failed: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(txs))
	}
	// Newest first.
	if txs[0].ID != "txn_pgnew0001" || txs[1].ID != "txn_pgmid0001" {
		t.Errorf("order = %s, %s", txs[0].ID, txs[1].ID)
	}
}

func TestPostgres_SetTransactionScore(t *testing.T) {
	s, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	tx := &Transaction{
		ID:        "txn_pgscore01",
		UserID:    "user_pg333333",
		Type:      TypeDebit,
		Amount:    decimal.NewFromInt(9000),
		Timestamp: time.Now(),
		Status:    StatusPending,
	}
	if err := s.CreateTransaction(ctx, tx); err != nil {
		t.Fatal(err)
	}

	if err := s.SetTransactionScore(ctx, "txn_pgscore01", 72.5, StatusFlagged); err != nil {
		t.Fatalf("SetTransactionScore failed: %v", err)
	}

	txs, _ := s.GetUserTransactions(ctx, "user_pg333333", 1)
	if len(txs) != 1 || txs[0].FraudScore != 72.5 || txs[0].Status != StatusFlagged {
		t.Errorf("stored verdict = %.1f/%s, want 72.5/flagged", txs[0].FraudScore, txs[0].Status)
	}

	if err := s.SetTransactionScore(ctx, "txn_missing01", 10, StatusVerified); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPostgres_AgentWindows(t *testing.T) {
	s, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	seed := func(id string, age time.Duration) {
		t.Helper()
		tx := &Transaction{
			ID:        id,
			UserID:    "agent_pg444444",
			Type:      TypeCredit,
			Amount:    decimal.NewFromInt(500),
			Timestamp: now.Add(-age),
			Status:    StatusVerified,
		}
		if err := s.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("txn_pgw2d00001", 2*24*time.Hour)
	seed("txn_pgw5d00001", 5*24*time.Hour)
	seed("txn_pgw10d0001", 10*24*time.Hour)

	current, err := s.GetAgentTransactions(ctx, "agent_pg444444", 7, 0)
	if err != nil {
		t.Fatalf("GetAgentTransactions failed: %v", err)
	}
	if len(current) != 2 {
		t.Errorf("current window = %d transactions, want 2", len(current))
	}

	prior, err := s.GetAgentTransactions(ctx, "agent_pg444444", 7, 7)
	if err != nil {
		t.Fatalf("GetAgentTransactions (offset) failed: %v", err)
	}
	if len(prior) != 1 || prior[0].ID != "txn_pgw10d0001" {
		t.Errorf("prior window = %d transactions, want just the 10-day-old one", len(prior))
	}
}

func TestPostgres_DeviceFingerprintLifecycle(t *testing.T) {
	s, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond)
	fp := &DeviceFingerprint{
		ID:               "dev_pg11111111",
		UserID:           "user_pg555555",
		DeviceID:         "device-pg-5",
		DeviceClass:      ClassLowEnd,
		RuralLikelihood:  75,
		UniquenessScore:  60,
		StabilityFactors: []string{"stable carrier"},
		RiskFactors:      []string{"shared device"},
		SignalsHash:      "abc123",
		Network:          NetworkInfo{Carrier: "bsnl", ConnectionType: "2g"},
		TrustScore:       55,
		FirstSeen:        now.Add(-48 * time.Hour),
		LastSeen:         now.Add(-time.Hour),
		IsActive:         true,
	}
	if err := s.CreateDeviceFingerprint(ctx, fp); err != nil {
		t.Fatalf("CreateDeviceFingerprint failed: %v", err)
	}

	// Same user and device again is a duplicate.
	dup := *fp
	dup.ID = "dev_pg22222222"
	if err := s.CreateDeviceFingerprint(ctx, &dup); err != ErrDuplicateDevice {
		t.Errorf("duplicate err = %v, want ErrDuplicateDevice", err)
	}

	// Trust outside [10, 90] never reaches the database.
	bad := *fp
	bad.ID = "dev_pg33333333"
	bad.DeviceID = "device-pg-bad"
	bad.TrustScore = 95
	if err := s.CreateDeviceFingerprint(ctx, &bad); err != ErrTrustOutOfRange {
		t.Errorf("out-of-range err = %v, want ErrTrustOutOfRange", err)
	}

	got, err := s.GetDeviceFingerprint(ctx, "user_pg555555", "device-pg-5")
	if err != nil {
		t.Fatalf("GetDeviceFingerprint failed: %v", err)
	}
	if got.DeviceClass != ClassLowEnd || got.RuralLikelihood != 75 {
		t.Errorf("class/rural = %s/%.0f", got.DeviceClass, got.RuralLikelihood)
	}
	// JSONB columns round-trip.
	if got.Network.ConnectionType != "2g" || got.Network.Carrier != "bsnl" {
		t.Errorf("network = %+v", got.Network)
	}
	if len(got.StabilityFactors) != 1 || len(got.RiskFactors) != 1 {
		t.Errorf("factors = %v / %v", got.StabilityFactors, got.RiskFactors)
	}

	if err := s.TouchDevice(ctx, "user_pg555555", "device-pg-5", 58, now); err != nil {
		t.Fatalf("TouchDevice failed: %v", err)
	}
	got, _ = s.GetDeviceFingerprint(ctx, "user_pg555555", "device-pg-5")
	if got.TrustScore != 58 || !got.LastSeen.Equal(now) {
		t.Errorf("after touch: trust=%.0f lastSeen=%s", got.TrustScore, got.LastSeen)
	}

	if _, err := s.GetDeviceFingerprint(ctx, "user_pg555555", "device-nope"); err != ErrNotFound {
		t.Errorf("missing device err = %v, want ErrNotFound", err)
	}
}

func TestPostgres_SimSwapFlow(t *testing.T) {
	s, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	d := &SimSwapDetection{
		ID:             "sim_pg11111111",
		UserID:         "user_pg666666",
		DeviceID:       "device-pg-6",
		OldCarrier:     "airtel",
		NewCarrier:     "jio",
		DetectionScore: 80,
		Timestamp:      time.Now(),
	}
	if err := s.CreateSimSwapDetection(ctx, d); err != nil {
		t.Fatalf("CreateSimSwapDetection failed: %v", err)
	}

	events, err := s.GetUserSimSwapEvents(ctx, "user_pg666666")
	if err != nil || len(events) != 1 {
		t.Fatalf("expected 1 event, got %d (err %v)", len(events), err)
	}
	if events[0].Verified {
		t.Error("new detection must start unverified")
	}
	if events[0].OldCarrier != "airtel" || events[0].NewCarrier != "jio" {
		t.Errorf("carriers = %s -> %s", events[0].OldCarrier, events[0].NewCarrier)
	}

	if err := s.VerifySimSwapDetection(ctx, "sim_pg11111111", true); err != nil {
		t.Fatalf("VerifySimSwapDetection failed: %v", err)
	}
	events, _ = s.GetUserSimSwapEvents(ctx, "user_pg666666")
	if !events[0].Verified {
		t.Error("detection must be verified after the update")
	}

	if err := s.VerifySimSwapDetection(ctx, "sim_missing01", true); err != ErrNotFound {
		t.Errorf("missing detection err = %v, want ErrNotFound", err)
	}
}

func TestPostgres_SecurityEventsAndAlerts(t *testing.T) {
	s, cleanup := setupPG(t)
	defer cleanup()
	ctx := context.Background()

	ev := &SecurityEvent{
		ID:        "evt_pg11111111",
		UserID:    "user_pg777777",
		EventType: "transaction_blocked",
		Severity:  SeverityCritical,
		Details:   map[string]any{"transactionId": "txn_pgblock01"},
		Timestamp: time.Now(),
	}
	if err := s.CreateSecurityEvent(ctx, ev); err != nil {
		t.Fatalf("CreateSecurityEvent failed: %v", err)
	}

	alert := &FraudAlert{
		ID:              "alr_pg11111111",
		UserID:          "user_pg777777",
		AlertType:       "transaction_blocked",
		Title:           "Transaction blocked",
		Description:     "composite fraud score over the block threshold",
		Severity:        AlertDanger,
		ActionRequired:  true,
		SecurityEventID: "evt_pg11111111",
		Timestamp:       time.Now(),
	}
	if err := s.CreateFraudAlert(ctx, alert); err != nil {
		t.Fatalf("CreateFraudAlert failed: %v", err)
	}

	events, err := s.GetUserSecurityEvents(ctx, "user_pg777777", true)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected 1 unresolved event, got %d (err %v)", len(events), err)
	}
	// JSONB details round-trip.
	if events[0].Details["transactionId"] != "txn_pgblock01" {
		t.Errorf("details = %v", events[0].Details)
	}

	if err := s.ResolveSecurityEvent(ctx, "evt_pg11111111"); err != nil {
		t.Fatalf("ResolveSecurityEvent failed: %v", err)
	}
	events, _ = s.GetUserSecurityEvents(ctx, "user_pg777777", true)
	if len(events) != 0 {
		t.Errorf("resolved event still listed as unresolved")
	}

	alerts, err := s.GetUserFraudAlerts(ctx, "user_pg777777", false)
	if err != nil || len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d (err %v)", len(alerts), err)
	}
	if alerts[0].SecurityEventID != "evt_pg11111111" {
		t.Errorf("alert event link = %q", alerts[0].SecurityEventID)
	}

	if err := s.DismissFraudAlert(ctx, "alr_pg11111111"); err != nil {
		t.Fatalf("DismissFraudAlert failed: %v", err)
	}
	alerts, _ = s.GetUserFraudAlerts(ctx, "user_pg777777", false)
	if len(alerts) != 0 {
		t.Errorf("dismissed alert still listed")
	}

	if err := s.DismissFraudAlert(ctx, "alr_missing001"); err != ErrNotFound {
		t.Errorf("missing alert err = %v, want ErrNotFound", err)
	}
}
