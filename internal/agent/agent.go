// Package agent profiles banking-agent transaction habits and scores
// deviations in a recent batch against the rolling baseline.
//
// Profiles are derived, never persisted: each analysis call rebuilds the
// baseline from the trailing 30 days of stored transactions. Agents with no
// history get a documented default profile rather than an error.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/graminpay/sentinel/internal/idgen"
	"github.com/graminpay/sentinel/internal/metrics"
	"github.com/graminpay/sentinel/internal/store"
	"github.com/graminpay/sentinel/internal/traces"
)

// HistoryStore is the storage subset the analyzer consumes.
type HistoryStore interface {
	GetAgentTransactions(ctx context.Context, agentID string, days, offsetDays int) ([]*store.Transaction, error)
	CreateSecurityEvent(ctx context.Context, ev *store.SecurityEvent) error
	CreateFraudAlert(ctx context.Context, a *store.FraudAlert) error
}

// Action is the recommended handling for an agent assessment.
type Action string

const (
	ActionMonitor  Action = "monitor"
	ActionReview   Action = "review"
	ActionRestrict Action = "restrict"
	ActionSuspend  Action = "suspend"
)

// ExperienceTier buckets agents by throughput history.
type ExperienceTier string

const (
	TierNew         ExperienceTier = "new"
	TierEstablished ExperienceTier = "established"
	TierExperienced ExperienceTier = "experienced"
)

// Dimension weights. They sum to 100.
const (
	weightVolume   = 25.0
	weightAmount   = 25.0
	weightTiming   = 20.0
	weightLocation = 15.0
	weightChange   = 15.0
)

// Assessment thresholds and heuristic cutoffs.
const (
	profileDays       = 30
	reviewThreshold   = 70.0
	escalateThreshold = 85.0
	suspendTrustCut   = 30.0

	hourlySpikeCut     = 20
	distinctLocCut     = 3
	absoluteAmountCap  = 200000.0
	avgMultipleCut     = 10.0
	dailyTotalMultiple = 2.0
	roundExcessRatio   = 0.6
	driftHighRatio     = 3.0
	driftLowRatio      = 1.0 / 3.0
	typicalHourShare   = 0.05
)

// Default profile for agents with zero history.
const (
	defaultAverageAmount = 2500.0
	defaultDailyLimit    = 100
	defaultConsistency   = 50.0
	defaultTrust         = 50.0
)

// Earned trust bounds. Mirrors the device fingerprint trust range.
const (
	maxTrust = 90.0
	minTrust = 10.0
)

// Profile is the rolling behavioral baseline for one agent.
type Profile struct {
	AgentID             string                  `json:"agentId"`
	TransactionCount    int                     `json:"transactionCount"`
	AverageAmount       float64                 `json:"averageAmount"`
	DailyLimit          int                     `json:"dailyLimit"`
	TypicalHours        []int                   `json:"typicalHours"` // hours covering >=5% of mass
	PreferredTypes      []store.TransactionType `json:"preferredTypes"`
	LocationConsistency float64                 `json:"locationConsistency"` // 100 - 5 per distinct location
	TrustScore          float64                 `json:"trustScore"`
	Experience          ExperienceTier          `json:"experience"`
}

// DimensionScore is one scored dimension with its flags.
type DimensionScore struct {
	Score float64  `json:"score"` // 0-100
	Flags []string `json:"flags,omitempty"`
}

// Assessment is the full outcome of analyzing an agent's recent batch.
type Assessment struct {
	AgentID           string                    `json:"agentId"`
	OverallScore      float64                   `json:"overallScore"` // 0-100
	Dimensions        map[string]DimensionScore `json:"dimensions"`
	RecommendedAction Action                    `json:"recommendedAction"`
	Profile           *Profile                  `json:"profile"`
	EvaluatedAt       time.Time                 `json:"evaluatedAt"`
}

// Analyzer scores agent batches against rolling profiles.
type Analyzer struct {
	store  HistoryStore
	logger *slog.Logger
}

// NewAnalyzer creates an agent behavior analyzer.
func NewAnalyzer(s HistoryStore, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{store: s, logger: logger}
}

// Analyze rebuilds the agent's 30-day profile and scores the recent batch
// across the five dimensions. Assessments at or above the escalation
// threshold write a SecurityEvent and FraudAlert.
func (a *Analyzer) Analyze(ctx context.Context, agentID string, recent []*store.Transaction) (*Assessment, error) {
	ctx, span := traces.StartSpan(ctx, "agent.Analyze", traces.AgentID(agentID))
	defer span.End()

	history, err := a.store.GetAgentTransactions(ctx, agentID, profileDays, 0)
	if err != nil {
		return nil, fmt.Errorf("agent: load history: %w", err)
	}
	prior, err := a.store.GetAgentTransactions(ctx, agentID, profileDays, profileDays)
	if err != nil {
		return nil, fmt.Errorf("agent: load prior window: %w", err)
	}

	profile := BuildProfile(agentID, history)

	dims := map[string]DimensionScore{
		"volume":          scoreVolume(recent, profile),
		"amount":          scoreAmount(recent, profile),
		"timing":          scoreTiming(recent, profile),
		"location":        scoreLocation(recent, profile),
		"behavior_change": scoreBehaviorChange(history, prior),
	}

	overall := (dims["volume"].Score*weightVolume +
		dims["amount"].Score*weightAmount +
		dims["timing"].Score*weightTiming +
		dims["location"].Score*weightLocation +
		dims["behavior_change"].Score*weightChange) / 100
	overall = math.Round(overall*100) / 100

	assessment := &Assessment{
		AgentID:           agentID,
		OverallScore:      overall,
		Dimensions:        dims,
		RecommendedAction: actionFor(overall, profile.TrustScore),
		Profile:           profile,
		EvaluatedAt:       time.Now(),
	}

	if overall >= escalateThreshold {
		if err := a.escalate(ctx, assessment); err != nil {
			return nil, err
		}
	}

	metrics.AgentAssessmentsTotal.WithLabelValues(string(assessment.RecommendedAction)).Inc()
	a.logger.Info("agent analyzed",
		"agent", agentID, "score", overall, "action", assessment.RecommendedAction)

	return assessment, nil
}

// actionFor maps the overall score to the action ladder. Suspension requires
// both an escalated score and an already-low agent trust score.
func actionFor(score, trust float64) Action {
	switch {
	case score >= escalateThreshold:
		if trust < suspendTrustCut {
			return ActionSuspend
		}
		return ActionRestrict
	case score >= reviewThreshold:
		return ActionReview
	default:
		return ActionMonitor
	}
}

func (a *Analyzer) escalate(ctx context.Context, as *Assessment) error {
	severity := store.SeverityHigh
	if as.OverallScore > 90 {
		severity = store.SeverityCritical
	}

	var flags []string
	for _, d := range as.Dimensions {
		flags = append(flags, d.Flags...)
	}

	ev := &store.SecurityEvent{
		ID:        idgen.WithPrefix("evt_"),
		UserID:    as.AgentID,
		EventType: "agent_behavior_anomaly",
		Severity:  severity,
		Details: map[string]any{
			"overallScore": as.OverallScore,
			"action":       as.RecommendedAction,
			"flags":        flags,
		},
		Timestamp: as.EvaluatedAt,
	}
	if err := a.store.CreateSecurityEvent(ctx, ev); err != nil {
		return fmt.Errorf("agent: persist security event: %w", err)
	}

	alert := &store.FraudAlert{
		ID:              idgen.WithPrefix("alr_"),
		UserID:          as.AgentID,
		AlertType:       "agent_behavior_anomaly",
		Title:           "Unusual agent activity detected",
		Description:     fmt.Sprintf("Agent behavior score %.0f triggered a %s recommendation.", as.OverallScore, as.RecommendedAction),
		Severity:        store.AlertDanger,
		ActionRequired:  true,
		SecurityEventID: ev.ID,
		Timestamp:       as.EvaluatedAt,
	}
	if err := a.store.CreateFraudAlert(ctx, alert); err != nil {
		return fmt.Errorf("agent: persist fraud alert: %w", err)
	}
	return nil
}

// BuildProfile derives the rolling baseline from a history window. Zero
// history yields the documented default profile.
func BuildProfile(agentID string, history []*store.Transaction) *Profile {
	if len(history) == 0 {
		return &Profile{
			AgentID:             agentID,
			AverageAmount:       defaultAverageAmount,
			DailyLimit:          defaultDailyLimit,
			LocationConsistency: defaultConsistency,
			TrustScore:          defaultTrust,
			Experience:          TierNew,
		}
	}

	var total float64
	hourCounts := make(map[int]int)
	typeCounts := make(map[store.TransactionType]int)
	locations := make(map[string]struct{})
	for _, tx := range history {
		total += tx.Amount.InexactFloat64()
		hourCounts[tx.Timestamp.Hour()]++
		typeCounts[tx.Type]++
		if tx.Location != "" {
			locations[tx.Location] = struct{}{}
		}
	}
	avg := total / float64(len(history))

	p := &Profile{
		AgentID:             agentID,
		TransactionCount:    len(history),
		AverageAmount:       avg,
		DailyLimit:          dailyLimitFor(len(history)),
		TypicalHours:        typicalHours(hourCounts, len(history)),
		PreferredTypes:      preferredTypes(typeCounts),
		LocationConsistency: math.Max(100-5*float64(len(locations)), 0),
		TrustScore:          trustFor(history),
		Experience:          experienceFor(len(history), avg),
	}
	return p
}

// trustFor maps the flagged share of the profile window onto a trust score.
// A clean month sits at the ceiling; each flagged percentage point costs one
// point, floored so a bad month never zeroes an agent out entirely.
func trustFor(history []*store.Transaction) float64 {
	flagged := 0
	for _, tx := range history {
		if tx.Status == store.StatusFlagged {
			flagged++
		}
	}
	trust := maxTrust - 100*float64(flagged)/float64(len(history))
	if trust < minTrust {
		trust = minTrust
	}
	return trust
}

// typicalHours returns the hours covering at least 5% of transaction mass.
func typicalHours(counts map[int]int, total int) []int {
	var hours []int
	for hour, n := range counts {
		if float64(n)/float64(total) >= typicalHourShare {
			hours = append(hours, hour)
		}
	}
	sort.Ints(hours)
	return hours
}

func preferredTypes(counts map[store.TransactionType]int) []store.TransactionType {
	types := make([]store.TransactionType, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if counts[types[i]] != counts[types[j]] {
			return counts[types[i]] > counts[types[j]]
		}
		return types[i] < types[j]
	})
	return types
}

// experienceFor tiers agents by 30-day throughput (count times average).
func experienceFor(count int, avg float64) ExperienceTier {
	throughput := float64(count) * avg
	switch {
	case count >= 300 && throughput >= 500000:
		return TierExperienced
	case count >= 60 && throughput >= 100000:
		return TierEstablished
	default:
		return TierNew
	}
}

// dailyLimitFor scales the per-day volume expectation with observed history.
func dailyLimitFor(count int) int {
	perDay := count / profileDays
	if perDay*3 > defaultDailyLimit {
		return perDay * 3
	}
	return defaultDailyLimit
}

// -------------------------------------------------------------------------
// dimension scorers
// -------------------------------------------------------------------------

func scoreVolume(recent []*store.Transaction, p *Profile) DimensionScore {
	d := DimensionScore{}

	perDay := make(map[string]int)
	perHour := make(map[string]int)
	for _, tx := range recent {
		perDay[tx.Timestamp.Format("2006-01-02")]++
		perHour[tx.Timestamp.Format("2006-01-02T15")]++
	}

	for day, n := range perDay {
		if n > p.DailyLimit {
			d.Score += 50
			d.Flags = append(d.Flags, fmt.Sprintf("daily limit exceeded on %s (%d of %d)", day, n, p.DailyLimit))
			break
		}
	}
	for _, n := range perHour {
		switch {
		case n > 30:
			d.Score += 50
			d.Flags = append(d.Flags, fmt.Sprintf("extreme hourly spike of %d transactions", n))
		case n > hourlySpikeCut:
			d.Score += 30
			d.Flags = append(d.Flags, fmt.Sprintf("hourly spike of %d transactions", n))
		default:
			continue
		}
		break
	}

	d.Score = clamp(d.Score)
	return d
}

func scoreAmount(recent []*store.Transaction, p *Profile) DimensionScore {
	d := DimensionScore{}

	dailyTotals := make(map[string]float64)
	round := 0
	for _, tx := range recent {
		amt := tx.Amount.InexactFloat64()
		dailyTotals[tx.Timestamp.Format("2006-01-02")] += amt

		if amt > absoluteAmountCap || amt > p.AverageAmount*avgMultipleCut {
			d.Score += 40
			d.Flags = append(d.Flags, fmt.Sprintf("single transaction of %.0f far above the agent norm", amt))
		}
		if isRound(tx.Amount) {
			round++
		}
	}

	expectedDaily := p.AverageAmount * float64(p.DailyLimit)
	for day, total := range dailyTotals {
		if total > expectedDaily*dailyTotalMultiple {
			d.Score += 30
			d.Flags = append(d.Flags, fmt.Sprintf("daily amount %.0f over twice expectation on %s", total, day))
			break
		}
	}
	if len(recent) >= 5 && float64(round)/float64(len(recent)) > roundExcessRatio {
		d.Score += 20
		d.Flags = append(d.Flags, "excess of round amounts in batch")
	}

	d.Score = clamp(d.Score)
	return d
}

func scoreTiming(recent []*store.Transaction, p *Profile) DimensionScore {
	d := DimensionScore{}

	typical := make(map[int]struct{}, len(p.TypicalHours))
	for _, h := range p.TypicalHours {
		typical[h] = struct{}{}
	}

	outside, night := 0, 0
	for _, tx := range recent {
		hour := tx.Timestamp.Hour()
		if len(typical) > 0 {
			if _, ok := typical[hour]; !ok {
				outside++
			}
		}
		if hour >= 22 || hour < 6 {
			night++
		}
	}

	if outside > 0 {
		d.Score += math.Min(float64(outside)*15, 50)
		d.Flags = append(d.Flags, fmt.Sprintf("%d transactions outside typical working hours", outside))
	}
	if night > 0 {
		d.Score += 40
		d.Flags = append(d.Flags, fmt.Sprintf("%d night-time transactions", night))
	}

	d.Score = clamp(d.Score)
	return d
}

func scoreLocation(recent []*store.Transaction, p *Profile) DimensionScore {
	d := DimensionScore{}

	locations := make(map[string]struct{})
	for _, tx := range recent {
		if tx.Location != "" {
			locations[tx.Location] = struct{}{}
		}
	}

	switch n := len(locations); {
	case n > 5:
		d.Score += 60
		d.Flags = append(d.Flags, fmt.Sprintf("%d distinct locations in batch", n))
	case n > distinctLocCut:
		d.Score += 35
		d.Flags = append(d.Flags, fmt.Sprintf("%d distinct locations in batch", n))
	}

	// A historically single-location agent suddenly roaming is its own flag.
	if p.LocationConsistency >= 90 && len(locations) > 1 {
		d.Score += 30
		d.Flags = append(d.Flags, "location break for a historically consistent agent")
	}

	d.Score = clamp(d.Score)
	return d
}

// scoreBehaviorChange compares the trailing 30 days to the 30 days before
// them on average amount and frequency; past a 3x drift either way it flags.
func scoreBehaviorChange(history, prior []*store.Transaction) DimensionScore {
	d := DimensionScore{}
	if len(history) == 0 || len(prior) == 0 {
		return d // new agents have nothing to drift from
	}

	amountRatio := averageAmount(history) / math.Max(averageAmount(prior), 1)
	freqRatio := float64(len(history)) / float64(len(prior))

	if amountRatio > driftHighRatio || amountRatio < driftLowRatio {
		d.Score += 50
		d.Flags = append(d.Flags, fmt.Sprintf("average amount drifted %.1fx versus prior month", amountRatio))
	}
	if freqRatio > driftHighRatio || freqRatio < driftLowRatio {
		d.Score += 50
		d.Flags = append(d.Flags, fmt.Sprintf("transaction frequency drifted %.1fx versus prior month", freqRatio))
	}

	d.Score = clamp(d.Score)
	return d
}

func averageAmount(txs []*store.Transaction) float64 {
	if len(txs) == 0 {
		return 0
	}
	var total float64
	for _, tx := range txs {
		total += tx.Amount.InexactFloat64()
	}
	return total / float64(len(txs))
}

func isRound(amount decimal.Decimal) bool {
	return amount.IsInteger() && amount.IsPositive() && amount.IntPart()%1000 == 0
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
