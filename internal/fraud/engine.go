package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/graminpay/sentinel/internal/features"
	"github.com/graminpay/sentinel/internal/idgen"
	"github.com/graminpay/sentinel/internal/metrics"
	"github.com/graminpay/sentinel/internal/store"
	"github.com/graminpay/sentinel/internal/traces"
)

// Dampening multipliers and override penalty. Rural devices behaving like
// rural devices score lower; benefit-window credits and government/utility
// merchants are expected flows.
const (
	ruralDampen           = 0.9
	benefitDampen         = 0.7
	trustedMerchantDampen = 0.8
	ruralSwapPenalty      = 15.0 // add-back when a "rural" device shows network churn
	overridePenalty       = 40.0 // keeps the score consistent with a forced block
)

// factor is one weighted contribution with its explanation.
type factor struct {
	contribution float64
	weight       float64
	reason       string
}

// Engine scores transactions and persists the verdict.
type Engine struct {
	extractor *features.Extractor
	audit     AuditWriter
	blacklist Blacklist
	lockout   Lockout
	ensemble  *Ensemble
	weights   Weights
	logger    *slog.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithWeights overrides the default factor weights.
func WithWeights(w Weights) Option {
	return func(e *Engine) { e.weights = w }
}

// WithBlacklist wires the blacklist override source.
func WithBlacklist(b Blacklist) Option {
	return func(e *Engine) { e.blacklist = b }
}

// WithLockout wires the login-lockout override source.
func WithLockout(l Lockout) Option {
	return func(e *Engine) { e.lockout = l }
}

// WithEnsemble sets the secondary multi-model scorer.
func WithEnsemble(ens *Ensemble) Option {
	return func(e *Engine) { e.ensemble = ens }
}

// NewEngine creates a fraud scoring engine.
func NewEngine(extractor *features.Extractor, audit AuditWriter, opts ...Option) *Engine {
	e := &Engine{
		extractor: extractor,
		audit:     audit,
		ensemble:  NewEnsemble(),
		weights:   DefaultWeights(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Score evaluates a transaction, persists the fraud score and status, and
// writes a security event + fraud alert when the decision is block.
// phone is optional; when present it is checked against the phone blacklist.
func (e *Engine) Score(ctx context.Context, tx *store.Transaction, phone string) (*Prediction, error) {
	ctx, span := traces.StartSpan(ctx, "fraud.Score",
		traces.UserID(tx.UserID), traces.TransactionID(tx.ID))
	defer span.End()

	v, err := e.extractor.Extract(ctx, tx)
	if err != nil {
		return nil, err
	}

	factors := e.evaluate(v)

	score := 0.0
	for _, f := range factors {
		score += f.contribution
	}
	score = e.dampen(score, v, &factors)

	// Hard overrides: identity-level blocks win over any computed score.
	overrides := e.overrides(tx, phone)
	if len(overrides) > 0 {
		score += overridePenalty
	}
	score = clamp(score)

	level := levelFor(score)
	action := actionFor(level)
	if len(overrides) > 0 {
		level = RiskCritical
		action = ActionBlock
	}

	pred := &Prediction{
		TransactionID:     tx.ID,
		FraudScore:        math.Round(score*100) / 100,
		RiskLevel:         level,
		RecommendedAction: action,
		Features:          v,
		EvaluatedAt:       time.Now(),
	}
	for _, f := range factors {
		if f.contribution <= 0 {
			continue
		}
		if f.contribution > f.weight/2 {
			pred.PrimaryReasons = append(pred.PrimaryReasons, f.reason)
		} else {
			pred.SecondaryFactors = append(pred.SecondaryFactors, f.reason)
		}
	}
	pred.PrimaryReasons = append(overrides, pred.PrimaryReasons...)

	if action == ActionBlock && len(pred.PrimaryReasons) == 0 {
		// Blocks must be explainable even if every factor was sub-threshold.
		pred.PrimaryReasons = append(pred.PrimaryReasons,
			fmt.Sprintf("composite fraud score %.0f at or above block threshold %.0f", score, ThresholdCritical))
	}

	if e.ensemble != nil {
		pred.Ensemble = e.ensemble.Score(v)
	}

	if err := e.persist(ctx, tx, pred); err != nil {
		return nil, err
	}

	metrics.DecisionsTotal.WithLabelValues(string(action)).Inc()
	metrics.FraudScore.Observe(pred.FraudScore)
	e.logger.Info("transaction scored",
		"tx", tx.ID, "user", tx.UserID, "score", pred.FraudScore,
		"risk", level, "action", action)

	return pred, nil
}

// evaluate computes the per-factor contributions for a feature vector.
func (e *Engine) evaluate(v *features.Vector) []factor {
	w := e.weights
	factors := make([]factor, 0, 6)

	// Amount deviation: z-score plus the round-amount pattern on large sums.
	amt := 0.0
	switch {
	case v.AmountZScore >= 4:
		amt = w.AmountZScore
	case v.AmountZScore >= 3:
		amt = w.AmountZScore * 0.8
	case v.AmountZScore >= 2:
		amt = w.AmountZScore * 0.5
	}
	if v.IsRoundAmount && v.AmountZScore >= 2 {
		amt = math.Min(amt+w.AmountZScore*0.3, w.AmountZScore)
	}
	factors = append(factors, factor{amt, w.AmountZScore,
		fmt.Sprintf("amount deviates %.1f standard deviations from user average", v.AmountZScore)})

	// Time pattern: night-time activity, worse outside the benefit window.
	tp := 0.0
	switch {
	case v.IsNight && !v.IsBenefitWindow:
		tp = w.TimePattern
	case v.IsNight:
		tp = w.TimePattern * 0.4
	}
	factors = append(factors, factor{tp, w.TimePattern,
		fmt.Sprintf("night-time transaction at %02d:00", v.HourOfDay)})

	// Device trust: unknown or low-trust devices, plus network instability.
	dt := 0.0
	switch {
	case v.IsNewDevice:
		dt = w.DeviceTrust * 0.6
	case v.DeviceTrust < 20:
		dt = w.DeviceTrust
	case v.DeviceTrust < 30:
		dt = w.DeviceTrust * 0.7
	}
	if v.NetworkStability < 60 {
		dt = math.Min(dt+w.DeviceTrust*0.5, w.DeviceTrust)
	}
	reason := "transaction from an unrecognized device"
	if !v.IsNewDevice {
		reason = fmt.Sprintf("device trust %.0f with network stability %.0f", v.DeviceTrust, v.NetworkStability)
	}
	factors = append(factors, factor{dt, w.DeviceTrust, reason})

	// Location risk: unseen locations, worse when paired with a large amount.
	lr := 0.0
	switch {
	case v.LocationRisk >= 70:
		lr = w.LocationRisk
	case v.IsNewLocation && v.AmountZScore >= 2:
		lr = w.LocationRisk
	case v.LocationRisk >= 50:
		lr = w.LocationRisk * 0.6
	case v.IsNewLocation:
		lr = w.LocationRisk * 0.3
	}
	factors = append(factors, factor{lr, w.LocationRisk,
		fmt.Sprintf("transaction from a new location (risk %.0f)", v.LocationRisk)})

	// Velocity: burst counts and burst amounts in the trailing hour.
	vel := 0.0
	switch {
	case v.TxVelocity >= 6:
		vel = w.Velocity
	case v.TxVelocity >= 4:
		vel = w.Velocity * 0.6
	case v.TxVelocity >= 3:
		vel = w.Velocity * 0.35
	}
	if v.AmountVelocity > 50000 {
		vel = math.Min(vel+w.Velocity*0.4, w.Velocity)
	}
	factors = append(factors, factor{vel, w.Velocity,
		fmt.Sprintf("%d transactions totalling %.0f in the last hour", v.TxVelocity, v.AmountVelocity)})

	return factors
}

// dampen applies the contextual multipliers and the rural add-back penalty.
func (e *Engine) dampen(score float64, v *features.Vector, factors *[]factor) float64 {
	if v.RuralLikelihood >= 60 {
		score *= ruralDampen
		if v.NetworkStability < 60 {
			// A rural device is expected to look "odd", but not to change
			// network identity. Possible SIM swap in a rural context.
			score += ruralSwapPenalty
			*factors = append(*factors, factor{ruralSwapPenalty, e.weights.RuralAdjust,
				"rural device with recent network identity changes"})
		}
	}
	if v.IsBenefitWindow && v.IsCredit {
		// Incoming benefit disbursements cluster at the start of the month;
		// the dampening never applies to money leaving the account.
		score *= benefitDampen
	}
	if v.Category == "government" || v.Category == "utility" {
		score *= trustedMerchantDampen
	}
	return score
}

// overrides returns the forced-block reasons for blacklisted or locked-out
// identities, empty when none apply.
func (e *Engine) overrides(tx *store.Transaction, phone string) []string {
	var reasons []string
	if e.blacklist != nil {
		if e.blacklist.IsUserBlacklisted(tx.UserID) {
			reasons = append(reasons, "user is blacklisted")
		}
		if tx.DeviceID != "" && e.blacklist.IsDeviceBlacklisted(tx.DeviceID) {
			reasons = append(reasons, "device is blacklisted")
		}
		if phone != "" && e.blacklist.IsPhoneBlacklisted(phone) {
			reasons = append(reasons, "phone number is blacklisted")
		}
	}
	if e.lockout != nil && e.lockout.IsLockedOut(tx.UserID) {
		reasons = append(reasons, "account locked out after repeated failed logins")
	}
	return reasons
}

// persist writes the verdict back: transaction score/status always, plus the
// audit event and user-facing alert on a block.
func (e *Engine) persist(ctx context.Context, tx *store.Transaction, pred *Prediction) error {
	if err := e.audit.SetTransactionScore(ctx, tx.ID, pred.FraudScore, statusFor(pred.RecommendedAction)); err != nil {
		return fmt.Errorf("fraud: persist score: %w", err)
	}

	if pred.RecommendedAction != ActionBlock {
		return nil
	}

	ev := &store.SecurityEvent{
		ID:        idgen.WithPrefix("evt_"),
		UserID:    tx.UserID,
		EventType: "transaction_blocked",
		Severity:  store.SeverityCritical,
		Details: map[string]any{
			"transactionId": tx.ID,
			"fraudScore":    pred.FraudScore,
			"reasons":       pred.PrimaryReasons,
		},
		DeviceID:  tx.DeviceID,
		Timestamp: time.Now(),
	}
	if err := e.audit.CreateSecurityEvent(ctx, ev); err != nil {
		return fmt.Errorf("fraud: persist security event: %w", err)
	}

	alert := &store.FraudAlert{
		ID:              idgen.WithPrefix("alr_"),
		UserID:          tx.UserID,
		AlertType:       "transaction_blocked",
		Title:           "Transaction blocked",
		Description:     pred.PrimaryReasons[0],
		Severity:        store.AlertDanger,
		ActionRequired:  true,
		SecurityEventID: ev.ID,
		Timestamp:       time.Now(),
	}
	if err := e.audit.CreateFraudAlert(ctx, alert); err != nil {
		return fmt.Errorf("fraud: persist fraud alert: %w", err)
	}
	return nil
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
