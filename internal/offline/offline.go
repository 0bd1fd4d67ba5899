// Package offline implements policy-bounded admission and reconciliation of
// transactions recorded without live connectivity.
//
// Each user has a bounded queue. Admission short-circuits on policy
// violations before any scoring, then accumulates a validation score from
// device, amount, and timing heuristics. Every queued item carries a keyed
// integrity hash; sync verifies it in constant time and treats a mismatch as
// a hard failure. The queue is cleared after every sync pass regardless of
// per-item outcomes, so callers must inspect the SyncResult.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/graminpay/sentinel/internal/config"
	"github.com/graminpay/sentinel/internal/cryptobox"
	"github.com/graminpay/sentinel/internal/idgen"
	"github.com/graminpay/sentinel/internal/metrics"
	"github.com/graminpay/sentinel/internal/store"
	"github.com/graminpay/sentinel/internal/syncutil"
	"github.com/graminpay/sentinel/internal/traces"
)

// OfflineTransaction is one queued item. Never partially updated: it is
// created at admission and removed at sync.
type OfflineTransaction struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	DeviceID        string          `json:"deviceId"`
	Payload         json.RawMessage `json:"payload"` // serialized transaction
	Timestamp       time.Time       `json:"timestamp"`
	SecurityHash    string          `json:"securityHash"`
	ValidationScore float64         `json:"validationScore"`
	QueuePosition   int             `json:"queuePosition"`
}

// QueueStore persists per-user offline queues.
type QueueStore interface {
	Enqueue(ctx context.Context, item *OfflineTransaction) error
	GetQueue(ctx context.Context, userID string) ([]*OfflineTransaction, error)
	ClearQueue(ctx context.Context, userID string) error
}

// TransactionWriter commits reconciled transactions to the main store.
type TransactionWriter interface {
	CreateTransaction(ctx context.Context, tx *store.Transaction) error
}

// Policy bounds a user's offline queue. Amounts are rupee decimals.
type Policy struct {
	MaxQueued    int
	MaxAmount    decimal.Decimal // per transaction
	MaxAggregate decimal.Decimal // total queued
	MaxAge       time.Duration
	MinScore     float64 // minimum validation score to admit
}

// PolicyFromConfig builds the policy from the loaded configuration.
// Unparseable amounts fall back to the rural defaults.
func PolicyFromConfig(cfg *config.Config) Policy {
	maxAmount, err := decimal.NewFromString(cfg.OfflineMaxAmount)
	if err != nil {
		maxAmount, _ = decimal.NewFromString(config.DefaultOfflineMaxAmount)
	}
	maxAggregate, err := decimal.NewFromString(cfg.OfflineMaxAggregate)
	if err != nil {
		maxAggregate, _ = decimal.NewFromString(config.DefaultOfflineMaxAggregate)
	}
	return Policy{
		MaxQueued:    cfg.OfflineMaxQueued,
		MaxAmount:    maxAmount,
		MaxAggregate: maxAggregate,
		MaxAge:       time.Duration(cfg.OfflineMaxAgeHours) * time.Hour,
		MinScore:     cfg.OfflineMinScore,
	}
}

// Validation score penalties. Admission starts at 100 and subtracts.
const (
	penaltyBadDeviceFormat = 30.0
	penaltyLargeAmount     = 15.0
	penaltyRoundAmount     = 10.0
	penaltyHighFrequency   = 15.0
	penaltyNightTime       = 10.0
)

// Second-pass sync risk terms. At or above fraudCut the item is excluded,
// so an item tripping all three terms is always caught.
const (
	syncRiskLargeAmount  = 25.0
	syncRiskQueueDepth   = 15.0
	syncRiskLowScore     = 20.0
	syncFraudCut         = 60.0
	syncQueueDepthCut    = 3
	syncLowScoreCut      = 50.0
	admissionHourlyLimit = 2
)

// AdmissionResult reports the outcome of a queue request. Policy violations
// are reasons, not errors.
type AdmissionResult struct {
	Accepted        bool     `json:"accepted"`
	ValidationScore float64  `json:"validationScore"`
	QueuePosition   int      `json:"queuePosition,omitempty"`
	Errors          []string `json:"errors,omitempty"`
}

// SyncResult accounts for every queued item after a sync pass. Failed items
// are not retried automatically.
type SyncResult struct {
	Processed     int      `json:"processed"`
	Succeeded     int      `json:"succeeded"`
	Failed        int      `json:"failed"`
	FraudDetected int      `json:"fraudDetected"`
	Errors        []string `json:"errors,omitempty"`
}

// Controller is the offline admission and reconciliation layer. Admission
// and sync for the same user are serialized through a sharded per-user lock
// so concurrent calls never double-count against the policy caps.
type Controller struct {
	queue  QueueStore
	writer TransactionWriter
	policy Policy
	locks  *syncutil.ShardedMutex
	logger *slog.Logger
}

// NewController creates an offline admission controller.
func NewController(queue QueueStore, writer TransactionWriter, policy Policy, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		queue:  queue,
		writer: writer,
		policy: policy,
		locks:  &syncutil.ShardedMutex{},
		logger: logger,
	}
}

var deviceIDFormat = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// Queue validates tx against the offline policy and admits it to the user's
// queue. Policy violations short-circuit before validation scoring and never
// mutate the queue.
func (c *Controller) Queue(ctx context.Context, userID string, tx *store.Transaction, deviceID, deviceSecret string) (*AdmissionResult, error) {
	ctx, span := traces.StartSpan(ctx, "offline.Queue", traces.UserID(userID), traces.DeviceID(deviceID))
	defer span.End()

	unlock := c.locks.Lock(userID)
	defer unlock()

	queued, err := c.queue.GetQueue(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("offline: load queue: %w", err)
	}

	// The admission timestamp is part of the signed message and Postgres
	// stores it at microsecond precision; anything finer would break the
	// integrity hash on the round trip.
	now := time.Now().Truncate(time.Microsecond)
	if violations := c.policyViolations(tx, queued, now); len(violations) > 0 {
		c.countRejections(violations)
		return &AdmissionResult{Accepted: false, Errors: violations}, nil
	}

	score := c.validationScore(tx, queued, deviceID, now)
	if score < c.policy.MinScore {
		metrics.OfflineRejectedTotal.WithLabelValues("validation_score").Inc()
		return &AdmissionResult{
			Accepted:        false,
			ValidationScore: score,
			Errors:          []string{fmt.Sprintf("validation score %.0f below minimum %.0f", score, c.policy.MinScore)},
		}, nil
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("offline: marshal transaction: %w", err)
	}

	item := &OfflineTransaction{
		ID:              idgen.WithPrefix("ofl_"),
		UserID:          userID,
		DeviceID:        deviceID,
		Payload:         payload,
		Timestamp:       now,
		ValidationScore: score,
		QueuePosition:   len(queued) + 1,
	}
	item.SecurityHash = c.integrityHash(item, deviceSecret)

	if err := c.queue.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("offline: enqueue: %w", err)
	}

	metrics.OfflineQueuedTotal.Inc()
	c.logger.Info("offline transaction queued",
		"user", userID, "device", deviceID, "position", item.QueuePosition, "score", score)

	return &AdmissionResult{Accepted: true, ValidationScore: score, QueuePosition: item.QueuePosition}, nil
}

// Sync reconciles the user's queue in order. Integrity mismatches and
// expired items fail hard; items over the second-pass risk cut are excluded
// as fraud; the rest are committed. The queue is cleared afterwards.
func (c *Controller) Sync(ctx context.Context, userID, deviceSecret string) (*SyncResult, error) {
	ctx, span := traces.StartSpan(ctx, "offline.Sync", traces.UserID(userID))
	defer span.End()

	unlock := c.locks.Lock(userID)
	defer unlock()

	queued, err := c.queue.GetQueue(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("offline: load queue: %w", err)
	}

	result := &SyncResult{Processed: len(queued)}
	now := time.Now()

	for _, item := range queued {
		if !cryptobox.Verify(c.integrityMessage(item), c.deriveKey(userID, deviceSecret), item.SecurityHash) {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: integrity hash mismatch", item.ID))
			metrics.OfflineSyncedTotal.WithLabelValues("integrity_failure").Inc()
			continue
		}
		if now.Sub(item.Timestamp) > c.policy.MaxAge {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: queued longer than policy allows", item.ID))
			metrics.OfflineSyncedTotal.WithLabelValues("expired").Inc()
			continue
		}

		var tx store.Transaction
		if err := json.Unmarshal(item.Payload, &tx); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: unreadable payload", item.ID))
			metrics.OfflineSyncedTotal.WithLabelValues("bad_payload").Inc()
			continue
		}

		if risk := c.syncRisk(item, &tx); risk >= syncFraudCut {
			result.FraudDetected++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: second-pass risk %.0f, excluded", item.ID, risk))
			metrics.OfflineSyncedTotal.WithLabelValues("fraud").Inc()
			continue
		}

		// Per-item commit: a failure mid-pass must not roll back earlier items.
		if err := c.writer.CreateTransaction(ctx, &tx); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: commit failed: %v", item.ID, err))
			metrics.OfflineSyncedTotal.WithLabelValues("commit_failure").Inc()
			continue
		}
		result.Succeeded++
		metrics.OfflineSyncedTotal.WithLabelValues("committed").Inc()
	}

	if err := c.queue.ClearQueue(ctx, userID); err != nil {
		return nil, fmt.Errorf("offline: clear queue: %w", err)
	}

	c.logger.Info("offline queue synced",
		"user", userID, "processed", result.Processed, "succeeded", result.Succeeded,
		"failed", result.Failed, "fraud", result.FraudDetected)

	return result, nil
}

// policyViolations returns every cap the admission would break. Checked
// before scoring so rejected requests never touch the queue.
func (c *Controller) policyViolations(tx *store.Transaction, queued []*OfflineTransaction, now time.Time) []string {
	var violations []string

	if len(queued) >= c.policy.MaxQueued {
		violations = append(violations, fmt.Sprintf("queue already holds %d of %d transactions", len(queued), c.policy.MaxQueued))
	}
	if tx.Amount.GreaterThan(c.policy.MaxAmount) {
		violations = append(violations, fmt.Sprintf("amount %s exceeds per-transaction cap %s", tx.Amount, c.policy.MaxAmount))
	}

	aggregate := decimal.Zero
	tooOld := false
	for _, item := range queued {
		var queuedTx store.Transaction
		if err := json.Unmarshal(item.Payload, &queuedTx); err == nil {
			aggregate = aggregate.Add(queuedTx.Amount)
		}
		if now.Sub(item.Timestamp) > c.policy.MaxAge {
			tooOld = true
		}
	}
	if tooOld {
		violations = append(violations, "queue holds items older than the policy window")
	}
	if aggregate.Add(tx.Amount).GreaterThan(c.policy.MaxAggregate) {
		violations = append(violations, fmt.Sprintf("aggregate queued amount would exceed cap %s", c.policy.MaxAggregate))
	}

	return violations
}

// validationScore starts at 100 and subtracts device, amount, frequency, and
// timing penalties.
func (c *Controller) validationScore(tx *store.Transaction, queued []*OfflineTransaction, deviceID string, now time.Time) float64 {
	score := 100.0

	if !deviceIDFormat.MatchString(deviceID) {
		score -= penaltyBadDeviceFormat
	}
	if tx.Amount.GreaterThan(c.policy.MaxAmount.Div(decimal.NewFromInt(2))) {
		score -= penaltyLargeAmount
	}
	if tx.Amount.IsInteger() && tx.Amount.IsPositive() && tx.Amount.IntPart()%1000 == 0 {
		score -= penaltyRoundAmount
	}

	hourAgo := now.Add(-time.Hour)
	recent := 0
	for _, item := range queued {
		if item.Timestamp.After(hourAgo) {
			recent++
		}
	}
	if recent > admissionHourlyLimit {
		score -= penaltyHighFrequency
	}

	if hour := now.Hour(); hour >= 22 || hour < 6 {
		score -= penaltyNightTime
	}

	if score < 0 {
		score = 0
	}
	return score
}

// syncRisk is the second-pass online check for a queued item.
func (c *Controller) syncRisk(item *OfflineTransaction, tx *store.Transaction) float64 {
	risk := 0.0
	if tx.Amount.GreaterThan(c.policy.MaxAmount.Div(decimal.NewFromInt(2))) {
		risk += syncRiskLargeAmount
	}
	if item.QueuePosition > syncQueueDepthCut {
		risk += syncRiskQueueDepth
	}
	if item.ValidationScore < syncLowScoreCut {
		risk += syncRiskLowScore
	}
	return risk
}

// integrityHash signs the payload, device id, and timestamp under a key
// derived from the device secret.
func (c *Controller) integrityHash(item *OfflineTransaction, deviceSecret string) string {
	return cryptobox.Sign(c.integrityMessage(item), c.deriveKey(item.UserID, deviceSecret))
}

func (c *Controller) integrityMessage(item *OfflineTransaction) []byte {
	msg := make([]byte, 0, len(item.Payload)+len(item.DeviceID)+32)
	msg = append(msg, item.Payload...)
	msg = append(msg, '|')
	msg = append(msg, item.DeviceID...)
	msg = append(msg, '|')
	msg = append(msg, item.Timestamp.UTC().Format(time.RFC3339Nano)...)
	return msg
}

func (c *Controller) deriveKey(userID, deviceSecret string) []byte {
	return cryptobox.DeriveKey([]byte(deviceSecret), []byte(userID))
}

func (c *Controller) countRejections(violations []string) {
	for range violations {
		metrics.OfflineRejectedTotal.WithLabelValues("policy").Inc()
	}
}
