// Package simswap detects network-identity changes that indicate a SIM swap.
//
// Every comparison run is persisted as a SimSwapDetection row regardless of
// outcome. Scores at or above the detection threshold additionally write a
// SecurityEvent and a user-facing FraudAlert.
package simswap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/graminpay/sentinel/internal/idgen"
	"github.com/graminpay/sentinel/internal/metrics"
	"github.com/graminpay/sentinel/internal/store"
	"github.com/graminpay/sentinel/internal/traces"
)

// DetectionStore is the storage subset the detector consumes.
type DetectionStore interface {
	GetDeviceFingerprint(ctx context.Context, userID, deviceID string) (*store.DeviceFingerprint, error)
	GetUserSimSwapEvents(ctx context.Context, userID string) ([]*store.SimSwapDetection, error)
	CreateSimSwapDetection(ctx context.Context, d *store.SimSwapDetection) error
	CreateSecurityEvent(ctx context.Context, ev *store.SecurityEvent) error
	CreateFraudAlert(ctx context.Context, a *store.FraudAlert) error
}

// Identity-change scoring terms.
const (
	scoreNoPrior       = 30.0 // new device ambiguity
	scoreCarrierChange = 40.0
	scoreIMSIChange    = 50.0 // strongest signal
	scoreMCCMNCChange  = 30.0

	// Time-of-day risk.
	scoreNightHours    = 20.0 // 23:00-06:00
	scoreBusinessHours = 14.0 // 09:00-17:00
	scoreOtherHours    = 6.0

	// Device-risk terms.
	scoreUnknownDevice = 25.0
	scoreLowTrust      = 20.0 // trust < 30
	scoreStaleDevice   = 15.0 // not seen in > 30 days
	scoreRecentSwaps   = 30.0 // prior swap events in trailing 7 days

	// DetectThreshold marks a comparison as a detected SIM swap.
	DetectThreshold = 70.0
	criticalAbove   = 85.0

	staleAfter   = 30 * 24 * time.Hour
	swapLookback = 7 * 24 * time.Hour
	lowTrustCut  = 30.0
)

// Result is the outcome of one network-identity comparison.
type Result struct {
	Detection *store.SimSwapDetection `json:"detection"`
	Score     float64                 `json:"score"` // 0-100
	Detected  bool                    `json:"detected"`
	Reasons   []string                `json:"reasons"`
}

// Detector compares network-identity snapshots and persists the verdicts.
type Detector struct {
	store  DetectionStore
	logger *slog.Logger
}

// NewDetector creates a SIM-swap detector.
func NewDetector(s DetectionStore, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: s, logger: logger}
}

// Detect scores the transition from the old snapshot to the new one.
// old is nil when no prior snapshot exists. Detection score is additive in
// matched indicators and clamped to [0,100]; the run is always persisted.
func (d *Detector) Detect(ctx context.Context, userID, deviceID string, old *store.NetworkInfo, cur store.NetworkInfo) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "simswap.Detect",
		traces.UserID(userID), traces.DeviceID(deviceID))
	defer span.End()

	score := 0.0
	var reasons []string
	add := func(points float64, reason string) {
		score += points
		reasons = append(reasons, reason)
	}

	if old == nil {
		add(scoreNoPrior, "no prior network snapshot for device")
	} else {
		if old.Carrier != "" && cur.Carrier != "" && old.Carrier != cur.Carrier {
			add(scoreCarrierChange, fmt.Sprintf("carrier changed from %s to %s", old.Carrier, cur.Carrier))
		}
		if old.IMSI != "" && cur.IMSI != "" && old.IMSI != cur.IMSI {
			add(scoreIMSIChange, "IMSI changed")
		}
		if mccMNCChanged(old, &cur) {
			add(scoreMCCMNCChange, "network operator code changed")
		}
	}

	at := cur.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	score += timeOfDayRisk(at.Hour())

	deviceReasons, devicePoints, err := d.deviceRisk(ctx, userID, deviceID, at)
	if err != nil {
		return nil, err
	}
	score += devicePoints
	reasons = append(reasons, deviceReasons...)

	score = clamp(score)
	detected := score >= DetectThreshold

	detection := &store.SimSwapDetection{
		ID:             idgen.WithPrefix("sim_"),
		UserID:         userID,
		DeviceID:       deviceID,
		NewCarrier:     cur.Carrier,
		NewIMSI:        cur.IMSI,
		DetectionScore: score,
		Timestamp:      at,
	}
	if old != nil {
		detection.OldCarrier = old.Carrier
		detection.OldIMSI = old.IMSI
	}
	if err := d.store.CreateSimSwapDetection(ctx, detection); err != nil {
		return nil, fmt.Errorf("simswap: persist detection: %w", err)
	}

	if detected {
		if err := d.alert(ctx, detection, reasons); err != nil {
			return nil, err
		}
		metrics.SimSwapDetectionsTotal.WithLabelValues("detected").Inc()
	} else {
		metrics.SimSwapDetectionsTotal.WithLabelValues("clear").Inc()
	}

	d.logger.Info("sim swap comparison",
		"user", userID, "device", deviceID, "score", score, "detected", detected)

	return &Result{Detection: detection, Score: score, Detected: detected, Reasons: reasons}, nil
}

// deviceRisk adds the device-context terms: unknown device, low trust,
// staleness, and prior swap events in the trailing week.
func (d *Detector) deviceRisk(ctx context.Context, userID, deviceID string, at time.Time) ([]string, float64, error) {
	var reasons []string
	points := 0.0

	fp, err := d.store.GetDeviceFingerprint(ctx, userID, deviceID)
	switch {
	case err == store.ErrNotFound:
		points += scoreUnknownDevice
		reasons = append(reasons, "device has no stored fingerprint")
	case err != nil:
		return nil, 0, fmt.Errorf("simswap: lookup device: %w", err)
	default:
		if fp.TrustScore < lowTrustCut {
			points += scoreLowTrust
			reasons = append(reasons, fmt.Sprintf("low device trust %.0f", fp.TrustScore))
		}
		if at.Sub(fp.LastSeen) > staleAfter {
			points += scoreStaleDevice
			reasons = append(reasons, "device not seen in over 30 days")
		}
	}

	swaps, err := d.store.GetUserSimSwapEvents(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("simswap: load swap history: %w", err)
	}
	cutoff := at.Add(-swapLookback)
	for _, s := range swaps {
		if s.Timestamp.After(cutoff) {
			points += scoreRecentSwaps
			reasons = append(reasons, "prior network identity change within 7 days")
			break
		}
	}

	return reasons, points, nil
}

// alert writes the audit event and the user-facing alert for a detection.
func (d *Detector) alert(ctx context.Context, detection *store.SimSwapDetection, reasons []string) error {
	severity := store.SeverityHigh
	if detection.DetectionScore > criticalAbove {
		severity = store.SeverityCritical
	}

	ev := &store.SecurityEvent{
		ID:        idgen.WithPrefix("evt_"),
		UserID:    detection.UserID,
		EventType: "sim_swap_detected",
		Severity:  severity,
		Details: map[string]any{
			"detectionId": detection.ID,
			"score":       detection.DetectionScore,
			"reasons":     reasons,
		},
		DeviceID:  detection.DeviceID,
		Timestamp: detection.Timestamp,
	}
	if err := d.store.CreateSecurityEvent(ctx, ev); err != nil {
		return fmt.Errorf("simswap: persist security event: %w", err)
	}

	alert := &store.FraudAlert{
		ID:              idgen.WithPrefix("alr_"),
		UserID:          detection.UserID,
		AlertType:       "sim_swap_detected",
		Title:           "Possible SIM swap detected",
		Description:     "Your phone's network identity changed in a suspicious way. Contact your bank if this was not you.",
		Severity:        store.AlertDanger,
		ActionRequired:  true,
		SecurityEventID: ev.ID,
		Timestamp:       detection.Timestamp,
	}
	if err := d.store.CreateFraudAlert(ctx, alert); err != nil {
		return fmt.Errorf("simswap: persist fraud alert: %w", err)
	}
	return nil
}

func timeOfDayRisk(hour int) float64 {
	switch {
	case hour >= 23 || hour < 6:
		return scoreNightHours
	case hour >= 9 && hour < 17:
		return scoreBusinessHours
	default:
		return scoreOtherHours
	}
}

func mccMNCChanged(old, cur *store.NetworkInfo) bool {
	if old.MCC == "" && old.MNC == "" {
		return false
	}
	if cur.MCC == "" && cur.MNC == "" {
		return false
	}
	return old.MCC != cur.MCC || old.MNC != cur.MNC
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
