package simswap

import (
	"context"
	"testing"
	"time"

	"github.com/graminpay/sentinel/internal/store"
)

func knownDevice(t *testing.T, st *store.MemoryStore, userID, deviceID string, trust float64, lastSeen time.Time) {
	t.Helper()
	fp := &store.DeviceFingerprint{
		ID:         "dev_" + deviceID,
		UserID:     userID,
		DeviceID:   deviceID,
		TrustScore: trust,
		FirstSeen:  lastSeen.Add(-90 * 24 * time.Hour),
		LastSeen:   lastSeen,
		IsActive:   true,
	}
	if err := st.CreateDeviceFingerprint(context.Background(), fp); err != nil {
		t.Fatalf("seed fingerprint: %v", err)
	}
}

// daytime is inside business hours (14 points), keeping time risk constant
// across tests that don't exercise it.
var daytime = time.Date(2026, 5, 12, 11, 0, 0, 0, time.UTC)

func TestDetect_NoChangeOnTrustedDevice(t *testing.T) {
	st := store.NewMemoryStore()
	d := NewDetector(st, nil)
	ctx := context.Background()

	knownDevice(t, st, "user_11111111", "dev-1", 75, daytime.Add(-24*time.Hour))

	old := &store.NetworkInfo{Carrier: "Airtel", IMSI: "404451234567890", MCC: "404", MNC: "45"}
	cur := store.NetworkInfo{Carrier: "Airtel", IMSI: "404451234567890", MCC: "404", MNC: "45", Timestamp: daytime}

	result, err := d.Detect(ctx, "user_11111111", "dev-1", old, cur)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Only the business-hours term applies.
	if result.Score != 14 {
		t.Errorf("score = %.0f, want 14", result.Score)
	}
	if result.Detected {
		t.Error("unchanged identity must not be detected as a swap")
	}

	// The comparison is persisted even when clear.
	events, err := st.GetUserSimSwapEvents(ctx, "user_11111111")
	if err != nil || len(events) != 1 {
		t.Fatalf("expected 1 persisted detection, got %d (err %v)", len(events), err)
	}
}

func TestDetect_FullIdentityChangeAtNight(t *testing.T) {
	st := store.NewMemoryStore()
	d := NewDetector(st, nil)
	ctx := context.Background()

	knownDevice(t, st, "user_22222222", "dev-2", 75, daytime)

	night := time.Date(2026, 5, 13, 2, 30, 0, 0, time.UTC)
	old := &store.NetworkInfo{Carrier: "Airtel", IMSI: "404451234567890", MCC: "404", MNC: "45"}
	cur := store.NetworkInfo{Carrier: "Jio", IMSI: "405861234567890", MCC: "405", MNC: "86", Timestamp: night}

	result, err := d.Detect(ctx, "user_22222222", "dev-2", old, cur)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Carrier 40 + IMSI 50 + MCC/MNC 30 + night 20 = 140, clamped to 100.
	if result.Score != 100 {
		t.Errorf("score = %.0f, want 100", result.Score)
	}
	if !result.Detected {
		t.Error("full identity change must be detected")
	}

	// Detection above the critical cut writes a critical event and an alert.
	secEvents, err := st.GetUserSecurityEvents(ctx, "user_22222222", false)
	if err != nil || len(secEvents) != 1 {
		t.Fatalf("expected 1 security event, got %d (err %v)", len(secEvents), err)
	}
	if secEvents[0].Severity != store.SeverityCritical {
		t.Errorf("severity = %s, want critical", secEvents[0].Severity)
	}
	if secEvents[0].EventType != "sim_swap_detected" {
		t.Errorf("event type = %s", secEvents[0].EventType)
	}

	alerts, err := st.GetUserFraudAlerts(ctx, "user_22222222", false)
	if err != nil || len(alerts) != 1 {
		t.Fatalf("expected 1 fraud alert, got %d (err %v)", len(alerts), err)
	}
	if alerts[0].SecurityEventID != secEvents[0].ID {
		t.Error("alert must reference its security event")
	}
}

func TestDetect_NoPriorSnapshot(t *testing.T) {
	st := store.NewMemoryStore()
	d := NewDetector(st, nil)

	cur := store.NetworkInfo{Carrier: "BSNL", Timestamp: daytime}
	result, err := d.Detect(context.Background(), "user_33333333", "dev-3", nil, cur)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// No prior 30 + business hours 14 + unknown device 25 = 69: just under
	// the detection threshold. Ambiguity alone must not fire an alert.
	if result.Score != 69 {
		t.Errorf("score = %.0f, want 69", result.Score)
	}
	if result.Detected {
		t.Error("first sighting alone must not be a detection")
	}
}

func TestDetect_RepeatSwapEscalates(t *testing.T) {
	st := store.NewMemoryStore()
	d := NewDetector(st, nil)
	ctx := context.Background()

	knownDevice(t, st, "user_44444444", "dev-4", 75, daytime)

	old := &store.NetworkInfo{Carrier: "Airtel"}
	first := store.NetworkInfo{Carrier: "Jio", Timestamp: daytime}
	if _, err := d.Detect(ctx, "user_44444444", "dev-4", old, first); err != nil {
		t.Fatal(err)
	}

	// Second change two days later: carrier 40 + business 14 + recent swap
	// event 30 = 84, above the detection threshold.
	second := store.NetworkInfo{Carrier: "BSNL", Timestamp: daytime.Add(48 * time.Hour)}
	result, err := d.Detect(ctx, "user_44444444", "dev-4", &store.NetworkInfo{Carrier: "Jio"}, second)
	if err != nil {
		t.Fatal(err)
	}

	if result.Score != 84 {
		t.Errorf("score = %.0f, want 84", result.Score)
	}
	if !result.Detected {
		t.Error("repeated identity churn must be detected")
	}
}

func TestDetect_LowTrustAndStaleDevice(t *testing.T) {
	st := store.NewMemoryStore()
	d := NewDetector(st, nil)

	knownDevice(t, st, "user_55555555", "dev-5", 20, daytime.Add(-60*24*time.Hour))

	old := &store.NetworkInfo{Carrier: "Airtel"}
	cur := store.NetworkInfo{Carrier: "Jio", Timestamp: daytime}

	result, err := d.Detect(context.Background(), "user_55555555", "dev-5", old, cur)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	// Carrier 40 + business 14 + low trust 20 + stale 15 = 89.
	if result.Score != 89 {
		t.Errorf("score = %.0f, want 89", result.Score)
	}
	if !result.Detected {
		t.Error("expected detection")
	}
}

func TestTimeOfDayRisk(t *testing.T) {
	tests := []struct {
		hour int
		want float64
	}{
		{23, 20},
		{2, 20},
		{5, 20},
		{6, 6},
		{8, 6},
		{9, 14},
		{16, 14},
		{17, 6},
		{22, 6},
	}

	for _, tt := range tests {
		if got := timeOfDayRisk(tt.hour); got != tt.want {
			t.Errorf("timeOfDayRisk(%d) = %.0f, want %.0f", tt.hour, got, tt.want)
		}
	}
}

func TestMCCMNCChanged(t *testing.T) {
	tests := []struct {
		name string
		old  store.NetworkInfo
		cur  store.NetworkInfo
		want bool
	}{
		{"both empty", store.NetworkInfo{}, store.NetworkInfo{}, false},
		{"old empty", store.NetworkInfo{}, store.NetworkInfo{MCC: "404", MNC: "45"}, false},
		{"cur empty", store.NetworkInfo{MCC: "404", MNC: "45"}, store.NetworkInfo{}, false},
		{"unchanged", store.NetworkInfo{MCC: "404", MNC: "45"}, store.NetworkInfo{MCC: "404", MNC: "45"}, false},
		{"mnc changed", store.NetworkInfo{MCC: "404", MNC: "45"}, store.NetworkInfo{MCC: "404", MNC: "86"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mccMNCChanged(&tt.old, &tt.cur); got != tt.want {
				t.Errorf("mccMNCChanged = %v, want %v", got, tt.want)
			}
		})
	}
}
