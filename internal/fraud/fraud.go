// Package fraud implements the transaction fraud decision pipeline.
//
// Every transaction is evaluated against weighted feature contributions
// (amount deviation, time pattern, device trust, location risk, velocity,
// rural adjustment) producing a 0-100 fraud score, a risk level, and a
// recommended action. Blacklist and lockout overrides force a block
// regardless of the computed score. Every decision carries human-readable
// reasons; a silent block is a bug.
package fraud

import (
	"context"
	"time"

	"github.com/graminpay/sentinel/internal/features"
	"github.com/graminpay/sentinel/internal/store"
)

// RiskLevel buckets a fraud score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Action is the pipeline's recommended handling for a transaction.
type Action string

const (
	ActionApprove        Action = "approve"
	ActionReview         Action = "review"
	ActionAdditionalAuth Action = "additional_auth"
	ActionBlock          Action = "block"
)

// Score thresholds. Decisions are monotonic in score: approve below Medium,
// review below High, additional auth below Critical, block at or above it.
const (
	ThresholdMedium   = 35.0
	ThresholdHigh     = 65.0
	ThresholdCritical = 85.0
)

// Weights are the relative contribution caps per factor group. They sum to
// 100 but are caps, not probabilities.
type Weights struct {
	AmountZScore float64
	TimePattern  float64
	DeviceTrust  float64
	LocationRisk float64
	Velocity     float64
	RuralAdjust  float64
}

// DefaultWeights returns the documented production weighting.
func DefaultWeights() Weights {
	return Weights{
		AmountZScore: 25,
		TimePattern:  15,
		DeviceTrust:  20,
		LocationRisk: 15,
		Velocity:     20,
		RuralAdjust:  5,
	}
}

// Prediction is the full outcome of scoring one transaction.
// PrimaryReasons lists factors that contributed more than half their weight;
// SecondaryFactors lists sub-threshold contributors. Both are part of the
// audit contract, not optional logging.
type Prediction struct {
	TransactionID     string            `json:"transactionId"`
	FraudScore        float64           `json:"fraudScore"` // 0-100
	RiskLevel         RiskLevel         `json:"riskLevel"`
	RecommendedAction Action            `json:"recommendedAction"`
	PrimaryReasons    []string          `json:"primaryReasons"`
	SecondaryFactors  []string          `json:"secondaryFactors"`
	Ensemble          *EnsembleResult   `json:"ensemble,omitempty"`
	Features          *features.Vector  `json:"features,omitempty"`
	EvaluatedAt       time.Time         `json:"evaluatedAt"`
}

// Blacklist is the override source for known-bad identities.
type Blacklist interface {
	IsUserBlacklisted(userID string) bool
	IsDeviceBlacklisted(deviceID string) bool
	IsPhoneBlacklisted(phone string) bool
}

// Lockout reports whether a user is currently locked out from failed logins.
type Lockout interface {
	IsLockedOut(userID string) bool
}

// AuditWriter is the storage subset the engine writes through: the scored
// transaction itself, plus the event/alert pair on a block decision.
type AuditWriter interface {
	SetTransactionScore(ctx context.Context, id string, fraudScore float64, status store.TransactionStatus) error
	CreateSecurityEvent(ctx context.Context, ev *store.SecurityEvent) error
	CreateFraudAlert(ctx context.Context, a *store.FraudAlert) error
}

// levelFor maps a clamped score to its risk level.
func levelFor(score float64) RiskLevel {
	switch {
	case score >= ThresholdCritical:
		return RiskCritical
	case score >= ThresholdHigh:
		return RiskHigh
	case score >= ThresholdMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// actionFor maps a risk level to the recommended action.
func actionFor(level RiskLevel) Action {
	switch level {
	case RiskCritical:
		return ActionBlock
	case RiskHigh:
		return ActionAdditionalAuth
	case RiskMedium:
		return ActionReview
	default:
		return ActionApprove
	}
}

// statusFor maps an action to the transaction status the pipeline persists.
// Review keeps the transaction pending for a manual pass.
func statusFor(action Action) store.TransactionStatus {
	switch action {
	case ActionApprove:
		return store.StatusVerified
	case ActionReview:
		return store.StatusPending
	default:
		return store.StatusFlagged
	}
}
