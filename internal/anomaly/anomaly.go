// Package anomaly is the user-centric deviation scorer that runs parallel
// to the fraud ensemble with its own weighting.
//
// A UserProfile is rebuilt from personal transaction history on every call
// (derived, never persisted). Five dimensions are scored independently and
// combined into a weighted composite; each dimension reports its own detail
// strings so every score is explainable.
package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/graminpay/sentinel/internal/features"
	"github.com/graminpay/sentinel/internal/metrics"
	"github.com/graminpay/sentinel/internal/store"
	"github.com/graminpay/sentinel/internal/traces"
)

// HistoryStore is the storage subset the engine consumes.
type HistoryStore interface {
	GetUserTransactions(ctx context.Context, userID string, limit int) ([]*store.Transaction, error)
	GetUserDevices(ctx context.Context, userID string) ([]*store.DeviceFingerprint, error)
}

// Dimension weights. They sum to 100.
const (
	weightBehavioral = 25.0
	weightDevice     = 20.0
	weightPattern    = 25.0
	weightTemporal   = 15.0
	weightGeographic = 15.0
)

// Flag point values and heuristic cutoffs.
const (
	historyLimit = 200
	usualLocsMax = 3

	amountRatioHighCut = 5.0
	amountRatioHigh    = 30.0
	amountRatioMidCut  = 2.0
	amountRatioMid     = 15.0
	highDailyFreqCut   = 10
	highDailyFreq      = 25.0
	ruralLikelihoodCut = 60.0
	unfamiliarCategory = 10.0

	unknownDevice  = 40.0
	lowTrustDevice = 25.0
	staleDevice    = 20.0
	lowTrustCut    = 30.0
	staleAfter     = 30 * 24 * time.Hour

	unusualDebit  = 25.0
	limitTesting  = 20.0
	creditHeavy   = 0.8 // share of credits marking a credit-receiving history
	limitTestRuns = 3   // strictly increasing recent amounts

	outsideTypicalHours = 20.0
	deepNightWindow     = 25.0 // 23:00-05:00
	largeWeekend        = 15.0

	newLocation         = 25.0
	newLocationLargeAmt = 20.0
)

// Level buckets a composite anomaly score.
type Level string

const (
	LevelLow      Level = "low"
	LevelModerate Level = "moderate"
	LevelHigh     Level = "high"
)

// UserProfile is the derived behavioral baseline for one user.
type UserProfile struct {
	UserID              string   `json:"userId"`
	TransactionCount    int      `json:"transactionCount"`
	AverageAmount       float64  `json:"averageAmount"`
	TypicalHours        []int    `json:"typicalHours"`
	PreferredCategories []string `json:"preferredCategories"`
	UsualLocations      []string `json:"usualLocations"` // up to 3
	CreditShare         float64  `json:"creditShare"`

	KnownDevices map[string]*store.DeviceFingerprint `json:"-"`
}

// DimensionDetail is one scored dimension with its explanations.
type DimensionDetail struct {
	Score   float64  `json:"score"` // 0-100
	Details []string `json:"details,omitempty"`
}

// Score is the composite anomaly verdict for one transaction.
type Score struct {
	TransactionID string                     `json:"transactionId"`
	UserID        string                     `json:"userId"`
	Composite     float64                    `json:"composite"` // 0-100
	Level         Level                      `json:"level"`
	Dimensions    map[string]DimensionDetail `json:"dimensions"`
	EvaluatedAt   time.Time                  `json:"evaluatedAt"`
}

// Engine scores transactions against per-user behavioral baselines.
type Engine struct {
	store  HistoryStore
	cfg    features.Config
	logger *slog.Logger
}

// NewEngine creates an anomaly engine sharing the feature extractor's
// merchant-category table.
func NewEngine(s HistoryStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, cfg: features.DefaultConfig(), logger: logger}
}

// Analyze builds the user's profile and scores tx across the five
// dimensions. Pure read path: nothing is written back.
func (e *Engine) Analyze(ctx context.Context, tx *store.Transaction) (*Score, error) {
	ctx, span := traces.StartSpan(ctx, "anomaly.Analyze",
		traces.UserID(tx.UserID), traces.TransactionID(tx.ID))
	defer span.End()

	history, err := e.store.GetUserTransactions(ctx, tx.UserID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("anomaly: load history: %w", err)
	}
	devices, err := e.store.GetUserDevices(ctx, tx.UserID)
	if err != nil {
		return nil, fmt.Errorf("anomaly: load devices: %w", err)
	}

	history = excludeSelf(history, tx.ID)
	profile := e.buildProfile(tx.UserID, history, devices)

	dims := map[string]DimensionDetail{
		"behavioral": e.scoreBehavioral(tx, history, profile),
		"device":     e.scoreDevice(tx, profile),
		"pattern":    e.scorePattern(tx, history, profile),
		"temporal":   e.scoreTemporal(tx, profile),
		"geographic": e.scoreGeographic(tx, profile),
	}

	composite := (dims["behavioral"].Score*weightBehavioral +
		dims["device"].Score*weightDevice +
		dims["pattern"].Score*weightPattern +
		dims["temporal"].Score*weightTemporal +
		dims["geographic"].Score*weightGeographic) / 100
	composite = math.Round(composite*100) / 100

	s := &Score{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Composite:     composite,
		Level:         levelFor(composite),
		Dimensions:    dims,
		EvaluatedAt:   time.Now(),
	}

	metrics.AnomalyDetectionsTotal.WithLabelValues(string(s.Level)).Inc()
	e.logger.Info("anomaly analyzed",
		"tx", tx.ID, "user", tx.UserID, "composite", composite, "level", s.Level)

	return s, nil
}

func levelFor(composite float64) Level {
	switch {
	case composite >= 60:
		return LevelHigh
	case composite >= 30:
		return LevelModerate
	default:
		return LevelLow
	}
}

func (e *Engine) buildProfile(userID string, history []*store.Transaction, devices []*store.DeviceFingerprint) *UserProfile {
	p := &UserProfile{
		UserID:           userID,
		TransactionCount: len(history),
		KnownDevices:     make(map[string]*store.DeviceFingerprint, len(devices)),
	}
	for _, d := range devices {
		p.KnownDevices[d.DeviceID] = d
	}
	if len(history) == 0 {
		return p
	}

	var total float64
	credits := 0
	hourCounts := make(map[int]int)
	catCounts := make(map[string]int)
	locCounts := make(map[string]int)
	for _, tx := range history {
		total += tx.Amount.InexactFloat64()
		if tx.Type == store.TypeCredit {
			credits++
		}
		hourCounts[tx.Timestamp.Hour()]++
		catCounts[e.cfg.Categorize(tx.Description)]++
		if tx.Location != "" {
			locCounts[tx.Location]++
		}
	}

	p.AverageAmount = total / float64(len(history))
	p.CreditShare = float64(credits) / float64(len(history))
	for hour, n := range hourCounts {
		if float64(n)/float64(len(history)) >= 0.05 {
			p.TypicalHours = append(p.TypicalHours, hour)
		}
	}
	sort.Ints(p.TypicalHours)
	p.PreferredCategories = topKeys(catCounts, 0)
	p.UsualLocations = topKeys(locCounts, usualLocsMax)
	return p
}

func (e *Engine) scoreBehavioral(tx *store.Transaction, history []*store.Transaction, p *UserProfile) DimensionDetail {
	d := DimensionDetail{}
	amount := tx.Amount.InexactFloat64()

	if p.AverageAmount > 0 {
		ratio := amount / p.AverageAmount
		switch {
		case ratio > amountRatioHighCut:
			d.Score += amountRatioHigh
			d.Details = append(d.Details, fmt.Sprintf("amount %.1fx the personal average", ratio))
		case ratio > amountRatioMidCut:
			d.Score += amountRatioMid
			d.Details = append(d.Details, fmt.Sprintf("amount %.1fx the personal average", ratio))
		}
	}

	dayAgo := tx.Timestamp.Add(-24 * time.Hour)
	daily := 0
	for _, h := range history {
		if h.Timestamp.After(dayAgo) && !h.Timestamp.After(tx.Timestamp) {
			daily++
		}
	}
	// High daily frequency is only anomalous against rural usage habits;
	// urban profiles and unknown devices are left to the other dimensions.
	if daily > highDailyFreqCut && ruralProfile(tx, p) {
		d.Score += highDailyFreq
		d.Details = append(d.Details, fmt.Sprintf("%d transactions in 24 hours against a rural usage profile", daily))
	}

	category := e.cfg.Categorize(tx.Description)
	if len(p.PreferredCategories) > 0 && !containsStr(p.PreferredCategories, category) {
		d.Score += unfamiliarCategory
		d.Details = append(d.Details, fmt.Sprintf("unfamiliar merchant category %q", category))
	}

	d.Score = clamp(d.Score)
	return d
}

// ruralProfile reports whether the transaction's device fingerprints as rural.
func ruralProfile(tx *store.Transaction, p *UserProfile) bool {
	fp, ok := p.KnownDevices[tx.DeviceID]
	return ok && fp.RuralLikelihood >= ruralLikelihoodCut
}

func (e *Engine) scoreDevice(tx *store.Transaction, p *UserProfile) DimensionDetail {
	d := DimensionDetail{}
	if tx.DeviceID == "" {
		return d
	}

	fp, known := p.KnownDevices[tx.DeviceID]
	if !known {
		d.Score = unknownDevice
		d.Details = append(d.Details, "device never seen for this user")
		return d
	}
	if fp.TrustScore < lowTrustCut {
		d.Score += lowTrustDevice
		d.Details = append(d.Details, fmt.Sprintf("low device trust %.0f", fp.TrustScore))
	}
	if tx.Timestamp.Sub(fp.LastSeen) > staleAfter {
		d.Score += staleDevice
		d.Details = append(d.Details, "device dormant for over 30 days")
	}

	d.Score = clamp(d.Score)
	return d
}

func (e *Engine) scorePattern(tx *store.Transaction, history []*store.Transaction, p *UserProfile) DimensionDetail {
	d := DimensionDetail{}

	if tx.Type == store.TypeDebit && p.CreditShare >= creditHeavy && p.TransactionCount >= 5 {
		d.Score += unusualDebit
		d.Details = append(d.Details, "debit inconsistent with a credit-receiving history")
	}

	if isLimitTesting(tx, history) {
		d.Score += limitTesting
		d.Details = append(d.Details, "steadily increasing amounts suggest limit testing")
	}

	d.Score = clamp(d.Score)
	return d
}

func (e *Engine) scoreTemporal(tx *store.Transaction, p *UserProfile) DimensionDetail {
	d := DimensionDetail{}
	hour := tx.Timestamp.Hour()

	if hour >= 23 || hour < 5 {
		d.Score += deepNightWindow
		d.Details = append(d.Details, fmt.Sprintf("transaction at %02d:00", hour))
	} else if len(p.TypicalHours) > 0 && !containsInt(p.TypicalHours, hour) {
		d.Score += outsideTypicalHours
		d.Details = append(d.Details, fmt.Sprintf("outside typical hours at %02d:00", hour))
	}

	weekday := tx.Timestamp.Weekday()
	if (weekday == time.Saturday || weekday == time.Sunday) &&
		p.AverageAmount > 0 && tx.Amount.InexactFloat64() > p.AverageAmount*2 {
		d.Score += largeWeekend
		d.Details = append(d.Details, "large weekend transaction")
	}

	d.Score = clamp(d.Score)
	return d
}

func (e *Engine) scoreGeographic(tx *store.Transaction, p *UserProfile) DimensionDetail {
	d := DimensionDetail{}
	if tx.Location == "" || len(p.UsualLocations) == 0 {
		return d
	}

	if !containsStr(p.UsualLocations, tx.Location) {
		d.Score += newLocation
		d.Details = append(d.Details, fmt.Sprintf("location %q outside usual locations", tx.Location))
		if p.AverageAmount > 0 && tx.Amount.InexactFloat64() > p.AverageAmount*2 {
			d.Score += newLocationLargeAmt
			d.Details = append(d.Details, "large amount in a new location")
		}
	}

	d.Score = clamp(d.Score)
	return d
}

// isLimitTesting reports whether the transaction caps a strictly increasing
// run of recent amounts, the classic probe-the-limit pattern.
func isLimitTesting(tx *store.Transaction, history []*store.Transaction) bool {
	// History is newest first; take the most recent runs before tx.
	var prior []*store.Transaction
	for _, h := range history {
		if !h.Timestamp.After(tx.Timestamp) {
			prior = append(prior, h)
		}
		if len(prior) == limitTestRuns {
			break
		}
	}
	if len(prior) < limitTestRuns {
		return false
	}

	// prior[0] is the most recent; walk oldest to newest, then tx on top.
	last := prior[len(prior)-1].Amount
	for i := len(prior) - 2; i >= 0; i-- {
		if !prior[i].Amount.GreaterThan(last) {
			return false
		}
		last = prior[i].Amount
	}
	return tx.Amount.GreaterThan(last)
}

// topKeys returns keys sorted by descending count; limit 0 means all.
func topKeys[K ~string](counts map[K]int, limit int) []string {
	keys := make([]K, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = string(k)
	}
	return out
}

func excludeSelf(history []*store.Transaction, id string) []*store.Transaction {
	result := history[:0:0]
	for _, h := range history {
		if h.ID != id {
			result = append(result, h)
		}
	}
	return result
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
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
