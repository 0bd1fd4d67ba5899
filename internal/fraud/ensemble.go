package fraud

import (
	"fmt"
	"math"

	"github.com/graminpay/sentinel/internal/features"
)

// Model is a swappable fraud probability scorer. Implementations must be
// deterministic: same vector in, same probability out. A trained model can
// replace LinearModel without touching the blend logic.
type Model interface {
	Name() string
	Predict(v *features.Vector) ModelScore
}

// ModelScore is one model's verdict with its explanation.
type ModelScore struct {
	Model       string   `json:"model"`
	Probability float64  `json:"probability"` // 0-1
	WouldBlock  bool     `json:"wouldBlock"`
	Reasons     []string `json:"reasons,omitempty"`
}

// EnsembleResult is the blended multi-model verdict.
type EnsembleResult struct {
	Probability float64      `json:"probability"` // 0-1 blend
	Decision    Action       `json:"decision"`
	Models      []ModelScore `json:"models"`
}

// Blend weights and escalation thresholds for the two-model ensemble.
const (
	ruleBlendWeight   = 0.6
	linearBlendWeight = 0.4
	blendBlockAbove   = 0.8
	blendReviewAbove  = 0.4
	modelBlockAbove   = 0.8 // per-model "would block" cutoff
)

// Ensemble combines the rule-weighted model and the fixed-weight linear
// model into one decision with per-model explanations.
type Ensemble struct {
	rule   Model
	linear Model
}

// NewEnsemble creates the default two-model ensemble.
func NewEnsemble() *Ensemble {
	return &Ensemble{rule: &RuleModel{}, linear: &LinearModel{}}
}

// WithModels replaces the sub-models (e.g. substituting a trained scorer).
func (e *Ensemble) WithModels(rule, linear Model) *Ensemble {
	e.rule, e.linear = rule, linear
	return e
}

// Score blends both models. The blend escalates to block when either
// sub-model alone would block and the blend exceeds the block threshold;
// to review when the blend exceeds the review threshold or either sub-model
// would block.
func (e *Ensemble) Score(v *features.Vector) *EnsembleResult {
	rs := e.rule.Predict(v)
	ls := e.linear.Predict(v)

	blend := ruleBlendWeight*rs.Probability + linearBlendWeight*ls.Probability
	blend = math.Round(blend*1000) / 1000

	anyBlocks := rs.WouldBlock || ls.WouldBlock
	decision := ActionApprove
	switch {
	case anyBlocks && blend > blendBlockAbove:
		decision = ActionBlock
	case anyBlocks || blend > blendReviewAbove:
		decision = ActionReview
	}

	return &EnsembleResult{
		Probability: blend,
		Decision:    decision,
		Models:      []ModelScore{rs, ls},
	}
}

// -------------------------------------------------------------------------
// RuleModel: rule-weighted linear scorer
// -------------------------------------------------------------------------

// RuleModel scores with stepwise rule weights, independent of the primary
// engine's weighting.
type RuleModel struct{}

func (m *RuleModel) Name() string { return "rule_weighted" }

func (m *RuleModel) Predict(v *features.Vector) ModelScore {
	score := 0.0
	var reasons []string

	add := func(p float64, reason string) {
		score += p
		reasons = append(reasons, reason)
	}

	if v.AmountZScore >= 3 {
		add(0.30, "amount far outside user norm")
	} else if v.AmountZScore >= 2 {
		add(0.15, "amount above user norm")
	}
	if v.IsNewDevice {
		add(0.20, "unrecognized device")
	} else if v.DeviceTrust < 30 {
		add(0.12, "low-trust device")
	}
	if v.IsNight && !v.IsBenefitWindow {
		add(0.12, "night-time activity")
	}
	if v.TxVelocity >= 4 {
		add(0.15, "high transaction velocity")
	}
	if v.LocationRisk >= 50 {
		add(0.12, "unfamiliar location")
	}
	if v.NetworkStability < 60 {
		add(0.11, "recent network identity changes")
	}

	p := math.Min(score, 1)
	return ModelScore{
		Model:       m.Name(),
		Probability: math.Round(p*1000) / 1000,
		WouldBlock:  p >= modelBlockAbove,
		Reasons:     reasons,
	}
}

// -------------------------------------------------------------------------
// LinearModel: deterministic fixed-weight layer
// -------------------------------------------------------------------------

// LinearModel is the documented fixed-weight replacement for a feed-forward
// network: a single linear layer over normalized features followed by a
// sigmoid. Coefficients were hand-set from the same domain knowledge as the
// rule weights and are listed below so they can be audited; swap in a
// trained Model once labelled data exists.
type LinearModel struct{}

func (m *LinearModel) Name() string { return "linear_fixed" }

// Coefficients over the normalized inputs, in order:
// z-score/4, newDevice, (100-trust)/100, locationRisk/100,
// velocity/10, night, (100-stability)/100, roundAmount.
var linearWeights = [8]float64{2.2, 1.6, 1.1, 1.2, 1.8, 0.9, 1.3, 0.5}

const linearBias = -2.6

func (m *LinearModel) Predict(v *features.Vector) ModelScore {
	inputs := [8]float64{
		math.Min(v.AmountZScore/4, 1),
		boolToFloat(v.IsNewDevice),
		(100 - v.DeviceTrust) / 100,
		v.LocationRisk / 100,
		math.Min(float64(v.TxVelocity)/10, 1),
		boolToFloat(v.IsNight),
		(100 - v.NetworkStability) / 100,
		boolToFloat(v.IsRoundAmount),
	}

	z := linearBias
	for i, x := range inputs {
		z += linearWeights[i] * x
	}
	p := sigmoid(z)

	return ModelScore{
		Model:       m.Name(),
		Probability: math.Round(p*1000) / 1000,
		WouldBlock:  p >= modelBlockAbove,
		Reasons: []string{
			fmt.Sprintf("linear activation %.2f over %d normalized inputs", z, len(inputs)),
		},
	}
}

func sigmoid(z float64) float64 { return 1 / (1 + math.Exp(-z)) }

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
