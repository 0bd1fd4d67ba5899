package fraud

import (
	"testing"

	"github.com/graminpay/sentinel/internal/features"
)

// stubModel returns a fixed prediction.
type stubModel struct {
	name string
	p    float64
}

func (s *stubModel) Name() string { return s.name }

func (s *stubModel) Predict(v *features.Vector) ModelScore {
	return ModelScore{Model: s.name, Probability: s.p, WouldBlock: s.p >= modelBlockAbove}
}

func cleanVector() *features.Vector {
	return &features.Vector{
		DeviceTrust:      70,
		NetworkStability: 100,
		HourOfDay:        11,
	}
}

func riskyVector() *features.Vector {
	return &features.Vector{
		AmountZScore:     5,
		IsNewDevice:      true,
		IsNight:          true,
		TxVelocity:       6,
		LocationRisk:     80,
		NetworkStability: 40,
		IsRoundAmount:    true,
	}
}

func TestEnsemble_BlendWeights(t *testing.T) {
	ens := NewEnsemble().WithModels(
		&stubModel{name: "a", p: 1.0},
		&stubModel{name: "b", p: 0.0},
	)

	result := ens.Score(cleanVector())

	// 0.6*1.0 + 0.4*0.0
	if result.Probability != 0.6 {
		t.Errorf("blend = %.3f, want 0.600", result.Probability)
	}
	if len(result.Models) != 2 {
		t.Fatalf("expected 2 model scores, got %d", len(result.Models))
	}
}

func TestEnsemble_Decisions(t *testing.T) {
	tests := []struct {
		name    string
		ruleP   float64
		linearP float64
		want    Action
	}{
		{"both clean", 0.1, 0.1, ActionApprove},
		{"blend above review threshold", 0.5, 0.5, ActionReview},
		{"one model blocks but blend moderate", 0.9, 0.1, ActionReview},
		{"one model blocks and blend high", 0.95, 0.8, ActionBlock},
		{"high blend without any model blocking", 0.79, 0.79, ActionReview},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ens := NewEnsemble().WithModels(
				&stubModel{name: "rule", p: tt.ruleP},
				&stubModel{name: "linear", p: tt.linearP},
			)
			result := ens.Score(cleanVector())
			if result.Decision != tt.want {
				t.Errorf("decision = %s (blend %.3f), want %s", result.Decision, result.Probability, tt.want)
			}
		})
	}
}

func TestRuleModel_CleanVectorLowProbability(t *testing.T) {
	m := &RuleModel{}
	score := m.Predict(cleanVector())

	if score.Probability > 0.1 {
		t.Errorf("clean vector probability = %.3f, want near 0", score.Probability)
	}
	if score.WouldBlock {
		t.Error("clean vector must not block")
	}
}

func TestRuleModel_RiskyVectorHighProbability(t *testing.T) {
	m := &RuleModel{}
	score := m.Predict(riskyVector())

	// All rules fire: 0.30+0.20+0.12+0.15+0.12+0.11 = 1.0 exactly.
	if score.Probability < modelBlockAbove {
		t.Errorf("risky vector probability = %.3f, want >= %.2f", score.Probability, modelBlockAbove)
	}
	if !score.WouldBlock {
		t.Error("risky vector should block")
	}
	if len(score.Reasons) < 5 {
		t.Errorf("expected reasons for each fired rule, got %d", len(score.Reasons))
	}
}

func TestLinearModel_Ordering(t *testing.T) {
	m := &LinearModel{}

	clean := m.Predict(cleanVector())
	risky := m.Predict(riskyVector())

	if clean.Probability >= risky.Probability {
		t.Errorf("clean probability %.3f should be below risky %.3f", clean.Probability, risky.Probability)
	}
	if clean.Probability < 0 || clean.Probability > 1 || risky.Probability < 0 || risky.Probability > 1 {
		t.Error("probabilities must stay in [0,1]")
	}
}

func TestLinearModel_Deterministic(t *testing.T) {
	m := &LinearModel{}
	v := riskyVector()

	first := m.Predict(v)
	for i := 0; i < 10; i++ {
		if got := m.Predict(v); got.Probability != first.Probability {
			t.Fatalf("prediction not deterministic: %.4f vs %.4f", got.Probability, first.Probability)
		}
	}
}

func TestEnsemble_DefaultModelsOnFullPipeline(t *testing.T) {
	ens := NewEnsemble()

	clean := ens.Score(cleanVector())
	risky := ens.Score(riskyVector())

	if clean.Decision != ActionApprove {
		t.Errorf("clean vector decision = %s, want approve", clean.Decision)
	}
	if risky.Decision == ActionApprove {
		t.Errorf("risky vector must not approve (blend %.3f)", risky.Probability)
	}
	if clean.Probability >= risky.Probability {
		t.Error("risky blend should exceed clean blend")
	}
}
