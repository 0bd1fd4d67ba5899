// Package features turns a transaction plus its stored context into a
// fixed-shape feature vector for the scoring engines.
//
// Extraction is a pure function of its inputs apart from reading storage:
// nothing is written back, and the transaction being scored is never counted
// against its own history.
package features

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/graminpay/sentinel/internal/store"
)

// HistoryReader is the storage subset the extractor consumes.
type HistoryReader interface {
	GetUserTransactions(ctx context.Context, userID string, limit int) ([]*store.Transaction, error)
	GetUserDevices(ctx context.Context, userID string) ([]*store.DeviceFingerprint, error)
	GetUserSimSwapEvents(ctx context.Context, userID string) ([]*store.SimSwapDetection, error)
}

// Vector is the fixed-shape feature record consumed by the scorers.
type Vector struct {
	Amount       float64 `json:"amount"`
	AmountZScore float64 `json:"amountZScore"`

	HourOfDay int  `json:"hourOfDay"`
	DayOfWeek int  `json:"dayOfWeek"` // 0 = Sunday
	IsWeekend bool `json:"isWeekend"`
	IsNight   bool `json:"isNight"` // 22:00-06:00

	LocationRisk  float64 `json:"locationRisk"` // 0 if previously seen
	IsNewLocation bool    `json:"isNewLocation"`

	DeviceTrust float64 `json:"deviceTrust"` // 30 if device unknown
	IsNewDevice bool    `json:"isNewDevice"`

	TxVelocity       int     `json:"txVelocity"`       // count in trailing hour
	AmountVelocity   float64 `json:"amountVelocity"`   // sum in trailing hour
	MinutesSinceLast float64 `json:"minutesSinceLast"` // -1 if no history

	RuralLikelihood  float64 `json:"ruralLikelihood"`
	ConnectionType   string  `json:"connectionType,omitempty"`
	NetworkStability float64 `json:"networkStability"` // 100 - 20 per recent swap event

	IsRoundAmount   bool   `json:"isRoundAmount"`   // multiple of 1000
	IsBenefitWindow bool   `json:"isBenefitWindow"` // day of month 1-7
	IsCredit        bool   `json:"isCredit"`        // money coming in
	Category        string `json:"category"`
}

// Config holds the extractor's heuristic tables. All thresholds live here
// rather than in code so deployments can tune them.
type Config struct {
	HistoryLimit int // max historical transactions consulted

	// UnknownDeviceTrust is assumed when the transaction's device has no
	// stored fingerprint.
	UnknownDeviceTrust float64

	// NewLocationBaseRisk is the location risk for a never-seen location;
	// each distinct known location shaves LocationRiskStep off it (users who
	// travel legitimately trip this less), down to NewLocationMinRisk.
	NewLocationBaseRisk float64
	LocationRiskStep    float64
	NewLocationMinRisk  float64
	// NoLocationHistoryRisk applies when the user has no located history at
	// all: ambiguous, not alarming.
	NoLocationHistoryRisk float64

	// SwapLookback bounds which SIM-swap events count against stability.
	SwapLookback     time.Duration
	SwapStabilityHit float64 // stability lost per recent swap event

	NightStartHour int // inclusive
	NightEndHour   int // exclusive
	BenefitWindowLastDay int

	RoundAmountModulus int64

	// Categories lists merchant category keyword rules, checked in order.
	// First match wins, so more specific categories belong earlier.
	Categories []CategoryRule
}

// CategoryRule maps a merchant category to its description keywords.
type CategoryRule struct {
	Name     string
	Keywords []string
}

// DefaultConfig returns the rural-deployment defaults.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:          100,
		UnknownDeviceTrust:    30,
		NewLocationBaseRisk:   80,
		LocationRiskStep:      10,
		NewLocationMinRisk:    50,
		NoLocationHistoryRisk: 30,
		SwapLookback:          7 * 24 * time.Hour,
		SwapStabilityHit:      20,
		NightStartHour:        22,
		NightEndHour:          6,
		BenefitWindowLastDay:  7,
		RoundAmountModulus:    1000,
		Categories: []CategoryRule{
			{"government", []string{"pension", "subsidy", "benefit", "pmkisan", "nrega", "govt", "government", "scholarship"}},
			{"healthcare", []string{"hospital", "clinic", "pharmacy", "medical", "doctor"}},
			{"telecom", []string{"recharge", "airtel", "jio", "bsnl", "vodafone", "mobile", "talktime"}},
			{"utility", []string{"electricity", "water", "gas", "bill", "power"}},
			{"cash", []string{"atm", "withdrawal", "cash", "deposit"}},
			{"retail", []string{"store", "shop", "market", "kirana", "grocery", "mart"}},
		},
	}
}

// Extractor builds feature vectors from stored history.
type Extractor struct {
	reader HistoryReader
	cfg    Config
}

// NewExtractor creates an extractor with default configuration.
func NewExtractor(reader HistoryReader) *Extractor {
	return &Extractor{reader: reader, cfg: DefaultConfig()}
}

// WithConfig overrides the heuristic tables.
func (e *Extractor) WithConfig(cfg Config) *Extractor {
	e.cfg = cfg
	return e
}

// Extract computes the feature vector for tx.
func (e *Extractor) Extract(ctx context.Context, tx *store.Transaction) (*Vector, error) {
	history, err := e.reader.GetUserTransactions(ctx, tx.UserID, e.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("features: load history: %w", err)
	}
	devices, err := e.reader.GetUserDevices(ctx, tx.UserID)
	if err != nil {
		return nil, fmt.Errorf("features: load devices: %w", err)
	}
	swaps, err := e.reader.GetUserSimSwapEvents(ctx, tx.UserID)
	if err != nil {
		return nil, fmt.Errorf("features: load sim swap events: %w", err)
	}

	// Never count the transaction being scored against its own history.
	history = excludeSelf(history, tx.ID)

	amount := tx.Amount.InexactFloat64()
	hour := tx.Timestamp.Hour()
	weekday := tx.Timestamp.Weekday()

	v := &Vector{
		Amount:          amount,
		AmountZScore:    zScore(amount, amounts(history)),
		HourOfDay:       hour,
		DayOfWeek:       int(weekday),
		IsWeekend:       weekday == time.Saturday || weekday == time.Sunday,
		IsNight:         hour >= e.cfg.NightStartHour || hour < e.cfg.NightEndHour,
		IsRoundAmount:   isRound(tx.Amount, e.cfg.RoundAmountModulus),
		IsBenefitWindow: tx.Timestamp.Day() <= e.cfg.BenefitWindowLastDay,
		IsCredit:        tx.Type == store.TypeCredit,
		Category:        e.cfg.Categorize(tx.Description),
	}

	e.locationFeatures(v, tx, history)
	e.deviceFeatures(v, tx, devices)
	e.velocityFeatures(v, tx, history)
	e.networkFeatures(v, tx.Timestamp, swaps)

	return v, nil
}

func (e *Extractor) locationFeatures(v *Vector, tx *store.Transaction, history []*store.Transaction) {
	if tx.Location == "" {
		return
	}

	known := make(map[string]struct{})
	for _, h := range history {
		if h.Location != "" {
			known[h.Location] = struct{}{}
		}
	}

	if _, seen := known[tx.Location]; seen {
		return // LocationRisk stays 0
	}

	v.IsNewLocation = true
	if len(known) == 0 {
		v.LocationRisk = e.cfg.NoLocationHistoryRisk
		return
	}
	risk := e.cfg.NewLocationBaseRisk - e.cfg.LocationRiskStep*math.Min(float64(len(known)), 3)
	if risk < e.cfg.NewLocationMinRisk {
		risk = e.cfg.NewLocationMinRisk
	}
	v.LocationRisk = risk
}

func (e *Extractor) deviceFeatures(v *Vector, tx *store.Transaction, devices []*store.DeviceFingerprint) {
	v.DeviceTrust = e.cfg.UnknownDeviceTrust
	v.IsNewDevice = true

	if tx.DeviceID == "" {
		return
	}
	for _, d := range devices {
		if d.DeviceID == tx.DeviceID {
			v.DeviceTrust = d.TrustScore
			v.IsNewDevice = false
			v.RuralLikelihood = d.RuralLikelihood
			v.ConnectionType = d.Network.ConnectionType
			return
		}
	}
}

func (e *Extractor) velocityFeatures(v *Vector, tx *store.Transaction, history []*store.Transaction) {
	v.MinutesSinceLast = -1
	cutoff := tx.Timestamp.Add(-time.Hour)

	var latest time.Time
	for _, h := range history {
		if h.Timestamp.After(tx.Timestamp) {
			continue // out-of-order ingestion; not "previous" activity
		}
		if h.Timestamp.After(cutoff) {
			v.TxVelocity++
			v.AmountVelocity += h.Amount.InexactFloat64()
		}
		if h.Timestamp.After(latest) {
			latest = h.Timestamp
		}
	}
	if !latest.IsZero() {
		v.MinutesSinceLast = tx.Timestamp.Sub(latest).Minutes()
	}
}

func (e *Extractor) networkFeatures(v *Vector, at time.Time, swaps []*store.SimSwapDetection) {
	cutoff := at.Add(-e.cfg.SwapLookback)
	recent := 0
	for _, s := range swaps {
		if s.Timestamp.After(cutoff) {
			recent++
		}
	}
	stability := 100 - e.cfg.SwapStabilityHit*float64(recent)
	if stability < 0 {
		stability = 0
	}
	v.NetworkStability = stability
}

// Categorize maps a transaction description to its merchant category by
// keyword match, first rule wins. Unmatched descriptions are "unknown".
func (c Config) Categorize(description string) string {
	desc := strings.ToLower(description)
	for _, rule := range c.Categories {
		for _, kw := range rule.Keywords {
			if strings.Contains(desc, kw) {
				return rule.Name
			}
		}
	}
	return "unknown"
}

// -------------------------------------------------------------------------
// helpers
// -------------------------------------------------------------------------

func excludeSelf(history []*store.Transaction, id string) []*store.Transaction {
	result := history[:0:0]
	for _, h := range history {
		if h.ID != id {
			result = append(result, h)
		}
	}
	return result
}

func amounts(history []*store.Transaction) []float64 {
	out := make([]float64, 0, len(history))
	for _, h := range history {
		out = append(out, h.Amount.InexactFloat64())
	}
	return out
}

// zScore computes |x-mean|/stdev with a stdev floor of 1 to avoid
// divide-by-zero on uniform histories.
func zScore(x float64, sample []float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	var sum float64
	for _, v := range sample {
		sum += v
	}
	mean := sum / float64(len(sample))

	var varSum float64
	for _, v := range sample {
		d := v - mean
		varSum += d * d
	}
	stdev := math.Sqrt(varSum / float64(len(sample)))
	if stdev < 1 {
		stdev = 1
	}
	return math.Abs(x-mean) / stdev
}

// isRound reports whether amount is a whole multiple of the modulus
// (e.g. ₹1000, ₹5000).
func isRound(amount decimal.Decimal, modulus int64) bool {
	if modulus <= 0 || !amount.IsInteger() || !amount.IsPositive() {
		return false
	}
	return amount.IntPart()%modulus == 0
}
