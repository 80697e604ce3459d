package monitoring

import (
	"errors"
	"math"
	"testing"
	"time"
)

func readingsFrom(mod func(*VitalReading), n int) []*VitalReading {
	out := make([]*VitalReading, n)
	for i := range out {
		r := normalReading()
		if mod != nil {
			mod(&r)
		}
		r.RecordedAt = baseTime.Add(-time.Duration(n-i) * time.Minute)
		out[i] = &r
	}
	return out
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeHealthScore_NoData(t *testing.T) {
	snap, err := ComputeHealthScore(HealthScoreInput{ComplianceScore: 100, Now: baseTime})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.SubScores.VitalSigns != 0 || snap.SubScores.AIAnalysis != 0 {
		t.Errorf("expected zero vitals and AI sub-scores, got %+v", snap.SubScores)
	}
	if snap.SubScores.Trend != 75 {
		t.Errorf("expected default trend score 75, got %v", snap.SubScores.Trend)
	}
	if !approxEqual(snap.OverallScore, 25) {
		t.Errorf("expected 25, got %v", snap.OverallScore)
	}
	if snap.Category != CategoryPoor {
		t.Errorf("expected Poor, got %s", snap.Category)
	}
	if !snap.ComputedAt.Equal(baseTime) {
		t.Errorf("expected computed_at %v, got %v", baseTime, snap.ComputedAt)
	}
}

func TestComputeHealthScore_WeightedSum(t *testing.T) {
	assessments := []*AIAssessment{
		{Symptoms: "mild cough", RiskLevel: RiskLow, ConfidenceScore: 0.5},
	}
	snap, err := ComputeHealthScore(HealthScoreInput{
		Readings:        readingsFrom(nil, 6),
		Assessments:     assessments,
		ComplianceScore: 80,
		Now:             baseTime,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// vitals 100, ai min(100, 100+10), trend 65 (no movement toward 70), compliance 80
	want := 0.4*100 + 0.3*100 + 0.2*65 + 0.1*80
	if !approxEqual(snap.OverallScore, want) {
		t.Errorf("expected %v, got %v", want, snap.OverallScore)
	}
	if snap.Category != CategoryExcellent {
		t.Errorf("expected Excellent, got %s", snap.Category)
	}
	if snap.ReadingCount != 6 || snap.AssessmentCount != 1 {
		t.Errorf("unexpected counts: %d readings, %d assessments", snap.ReadingCount, snap.AssessmentCount)
	}
	if len(snap.RiskFactors) != 0 {
		t.Errorf("expected no risk factors, got %v", snap.RiskFactors)
	}
}

func TestComputeHealthScore_ScoreAlwaysInRange(t *testing.T) {
	sick := readingsFrom(func(r *VitalReading) {
		r.HeartRate = 140
		r.BPSystolic = 200
		r.TemperatureC = 40
		r.OxygenSaturation = 80
	}, 5)
	var many []*AIAssessment
	for i := 0; i < 20; i++ {
		many = append(many, &AIAssessment{Symptoms: "chest pain", RiskLevel: RiskCritical, ConfidenceScore: 0})
	}
	for _, compliance := range []float64{0, 50, 100} {
		snap, err := ComputeHealthScore(HealthScoreInput{Readings: sick, Assessments: many, ComplianceScore: compliance})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if snap.OverallScore < 0 || snap.OverallScore > 100 {
			t.Errorf("score %v out of range", snap.OverallScore)
		}
	}
}

func TestComputeHealthScore_InvalidCompliance(t *testing.T) {
	for _, c := range []float64{-1, 100.5, math.NaN(), math.Inf(1)} {
		_, err := ComputeHealthScore(HealthScoreInput{ComplianceScore: c})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("compliance %v: expected ErrValidation, got %v", c, err)
		}
	}
}

func TestComputeHealthScore_InvalidAssessment(t *testing.T) {
	tests := []*AIAssessment{
		{RiskLevel: RiskLow, ConfidenceScore: 1.5},
		{RiskLevel: RiskLow, ConfidenceScore: -0.1},
		{RiskLevel: RiskLow, ConfidenceScore: math.NaN()},
		{RiskLevel: "severe", ConfidenceScore: 0.5},
	}
	for _, a := range tests {
		_, err := ComputeHealthScore(HealthScoreInput{Assessments: []*AIAssessment{a}, ComplianceScore: 50})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("%+v: expected ErrValidation, got %v", a, err)
		}
	}
}

func TestVitalSignsScore_Penalties(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*VitalReading)
		want float64
	}{
		{"normal", nil, 100},
		{"heart rate", func(r *VitalReading) { r.HeartRate = 110 }, 85},
		{"systolic", func(r *VitalReading) { r.BPSystolic = 150 }, 80},
		{"temperature", func(r *VitalReading) { r.TemperatureC = 38 }, 90},
		{"oxygen", func(r *VitalReading) { r.OxygenSaturation = 93 }, 75},
		{"all", func(r *VitalReading) {
			r.HeartRate = 130
			r.BPSystolic = 150
			r.TemperatureC = 39
			r.OxygenSaturation = 90
		}, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VitalSignsScore(readingsFrom(tt.mod, 3)); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestAIAnalysisScore(t *testing.T) {
	if got := AIAnalysisScore(nil); got != 0 {
		t.Errorf("expected 0 for no assessments, got %v", got)
	}
	three := []*AIAssessment{
		{RiskLevel: RiskHigh, ConfidenceScore: 0.5},
		{RiskLevel: RiskCritical, ConfidenceScore: 0.5},
		{RiskLevel: RiskHigh, ConfidenceScore: 0.5},
	}
	if got := AIAnalysisScore(three); !approxEqual(got, 65) {
		t.Errorf("expected 65, got %v", got)
	}
	capped := []*AIAssessment{{RiskLevel: RiskMedium, ConfidenceScore: 1}}
	if got := AIAnalysisScore(capped); got != 100 {
		t.Errorf("expected score capped at 100, got %v", got)
	}
}

func TestTrendScore(t *testing.T) {
	if got := TrendScore(readingsWithHR(80)); got != 75 {
		t.Errorf("single reading: expected 75, got %v", got)
	}
	if got := TrendScore(readingsWithHR(90, 90, 90, 72, 72, 72)); got != 85 {
		t.Errorf("converging on 70: expected 85, got %v", got)
	}
	if got := TrendScore(readingsWithHR(72, 72, 72, 90, 90, 90)); got != 65 {
		t.Errorf("diverging from 70: expected 65, got %v", got)
	}
}

func TestCategoryFor(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{100, CategoryExcellent},
		{85, CategoryExcellent},
		{84.99, CategoryGood},
		{70, CategoryGood},
		{69.9, CategoryFair},
		{55, CategoryFair},
		{54.9, CategoryPoor},
		{0, CategoryPoor},
	}
	for _, tt := range tests {
		if got := CategoryFor(tt.score); got != tt.want {
			t.Errorf("CategoryFor(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestComputeHealthScore_RiskFactors(t *testing.T) {
	readings := readingsFrom(func(r *VitalReading) {
		r.HeartRate = 110
		r.BPSystolic = 150
		r.TemperatureC = 38.2
		r.OxygenSaturation = 92
	}, 3)
	assessments := []*AIAssessment{
		{Symptoms: "shortness of breath", RiskLevel: RiskHigh, ConfidenceScore: 0.9},
		{Symptoms: "chest pain", RiskLevel: RiskCritical, ConfidenceScore: 0.9},
	}
	snap, err := ComputeHealthScore(HealthScoreInput{Readings: readings, Assessments: assessments, ComplianceScore: 40})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{RiskFactorHypertension, RiskFactorTachycardia, RiskFactorFever, RiskFactorHypoxemia, RiskFactorElevatedAIRisk}
	if len(snap.RiskFactors) != len(want) {
		t.Fatalf("expected %v, got %v", want, snap.RiskFactors)
	}
	for i := range want {
		if snap.RiskFactors[i] != want[i] {
			t.Errorf("factor %d: expected %s, got %s", i, want[i], snap.RiskFactors[i])
		}
	}
	if len(snap.Recommendations) == 0 {
		t.Error("expected recommendations for a poor score")
	}
}

func TestComputeHealthScore_HealthyPatientGetsDefaultRecommendation(t *testing.T) {
	snap, err := ComputeHealthScore(HealthScoreInput{
		Readings:        readingsWithHR(90, 90, 90, 72, 72, 72),
		Assessments:     []*AIAssessment{{Symptoms: "none", RiskLevel: RiskLow, ConfidenceScore: 0.9}},
		ComplianceScore: 95,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(snap.Recommendations) != 1 || snap.Recommendations[0] != "Continue the current monitoring plan" {
		t.Errorf("unexpected recommendations: %v", snap.Recommendations)
	}
	if snap.Category != CategoryExcellent {
		t.Errorf("expected Excellent, got %s (%.2f)", snap.Category, snap.OverallScore)
	}
}
