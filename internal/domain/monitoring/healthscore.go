package monitoring

import (
	"math"
	"time"
)

// Sub-score weights. They sum to exactly 1.0.
const (
	weightVitals     = 0.4
	weightAI         = 0.3
	weightTrend      = 0.2
	weightCompliance = 0.1
)

// Health score categories.
const (
	CategoryExcellent = "Excellent"
	CategoryGood      = "Good"
	CategoryFair      = "Fair"
	CategoryPoor      = "Poor"
)

// Risk factor tags.
const (
	RiskFactorHypertension   = "hypertension"
	RiskFactorTachycardia    = "tachycardia"
	RiskFactorBradycardia    = "bradycardia"
	RiskFactorFever          = "fever"
	RiskFactorHypothermia    = "hypothermia"
	RiskFactorHypoxemia      = "hypoxemia"
	RiskFactorElevatedAIRisk = "elevated_ai_risk"
)

const (
	trendScoreImproving = 85.0
	trendScoreWorsening = 65.0
	trendScoreDefault   = 75.0
	recommendBelow      = 70.0
)

// SubScores are the four weighted components of the composite score.
type SubScores struct {
	VitalSigns float64 `json:"vital_signs"`
	AIAnalysis float64 `json:"ai_analysis"`
	Trend      float64 `json:"trend"`
	Compliance float64 `json:"compliance"`
}

// HealthScoreSnapshot is recomputed on every query.
type HealthScoreSnapshot struct {
	PatientID       string    `json:"patient_id,omitempty"`
	OverallScore    float64   `json:"overall_score"`
	Category        string    `json:"category"`
	SubScores       SubScores `json:"sub_scores"`
	RiskFactors     []string  `json:"risk_factors"`
	Recommendations []string  `json:"recommendations"`
	ReadingCount    int       `json:"reading_count"`
	AssessmentCount int       `json:"assessment_count"`
	ComputedAt      time.Time `json:"computed_at"`
}

// HealthScoreInput is a snapshot of history taken at query time.
type HealthScoreInput struct {
	Readings        []*VitalReading
	Assessments     []*AIAssessment
	ComplianceScore float64
	Now             time.Time
}

// vitalAverages are per-signal means over a history window.
type vitalAverages struct {
	count       int
	heartRate   float64
	systolic    float64
	temperature float64
	oxygen      float64
}

func averagesOf(readings []*VitalReading) vitalAverages {
	return vitalAverages{
		count:       len(readings),
		heartRate:   meanOf(readings, heartRateOf),
		systolic:    meanOf(readings, systolicOf),
		temperature: meanOf(readings, temperatureOf),
		oxygen:      meanOf(readings, oxygenOf),
	}
}

// VitalSignsScore starts at 100 and subtracts an independent penalty for
// each averaged signal out of range. No readings scores 0.
func VitalSignsScore(readings []*VitalReading) float64 {
	if len(readings) == 0 {
		return 0
	}
	avg := averagesOf(readings)
	score := 100.0
	if avg.heartRate < hrWarnLow || avg.heartRate > hrWarnHigh {
		score -= 15
	}
	if avg.systolic > systolicWarn {
		score -= 20
	}
	if avg.temperature < tempWarnLow || avg.temperature > tempWarnHigh {
		score -= 10
	}
	if avg.oxygen < spo2Warn {
		score -= 25
	}
	return math.Max(0, score)
}

// AIAnalysisScore rewards confident assessments and penalizes high-risk ones.
// No assessments contributes 0.
func AIAnalysisScore(assessments []*AIAssessment) float64 {
	if len(assessments) == 0 {
		return 0
	}
	high := 0
	var confSum float64
	for _, a := range assessments {
		if a.RiskLevel.IsHigh() {
			high++
		}
		confSum += a.ConfidenceScore
	}
	avgConf := confSum / float64(len(assessments))
	score := math.Max(0, 100-15*float64(high)+20*avgConf)
	return clamp(score, 0, 100)
}

// TrendScore compares early and late heart-rate means against the ideal of
// 70 bpm.
func TrendScore(readings []*VitalReading) float64 {
	early, late, ok := earlyLateMeans(sortedReadings(readings), heartRateOf)
	if !ok {
		return trendScoreDefault
	}
	if math.Abs(late-idealHeartRate) < math.Abs(early-idealHeartRate) {
		return trendScoreImproving
	}
	return trendScoreWorsening
}

// CategoryFor maps an overall score to its category label.
func CategoryFor(score float64) string {
	switch {
	case score >= 85:
		return CategoryExcellent
	case score >= 70:
		return CategoryGood
	case score >= 55:
		return CategoryFair
	}
	return CategoryPoor
}

// ComputeHealthScore combines the four sub-scores into the composite score.
func ComputeHealthScore(in HealthScoreInput) (HealthScoreSnapshot, error) {
	c := in.ComplianceScore
	if math.IsNaN(c) || math.IsInf(c, 0) || c < 0 || c > 100 {
		return HealthScoreSnapshot{}, validationErrorf("compliance score must be within [0,100]")
	}
	for _, a := range in.Assessments {
		if err := validateAssessmentValues(a); err != nil {
			return HealthScoreSnapshot{}, err
		}
	}

	readings := sortedReadings(in.Readings)
	subs := SubScores{
		VitalSigns: VitalSignsScore(readings),
		AIAnalysis: AIAnalysisScore(in.Assessments),
		Trend:      TrendScore(readings),
		Compliance: c,
	}
	overall := weightVitals*subs.VitalSigns +
		weightAI*subs.AIAnalysis +
		weightTrend*subs.Trend +
		weightCompliance*subs.Compliance
	overall = clamp(overall, 0, 100)

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return HealthScoreSnapshot{
		OverallScore:    overall,
		Category:        CategoryFor(overall),
		SubScores:       subs,
		RiskFactors:     riskFactors(readings, in.Assessments),
		Recommendations: recommendations(subs, len(in.Assessments) > 0),
		ReadingCount:    len(readings),
		AssessmentCount: len(in.Assessments),
		ComputedAt:      now,
	}, nil
}

func riskFactors(readings []*VitalReading, assessments []*AIAssessment) []string {
	factors := []string{}
	if len(readings) > 0 {
		avg := averagesOf(readings)
		if avg.systolic > systolicWarn {
			factors = append(factors, RiskFactorHypertension)
		}
		if avg.heartRate > hrWarnHigh {
			factors = append(factors, RiskFactorTachycardia)
		}
		if avg.heartRate < hrWarnLow {
			factors = append(factors, RiskFactorBradycardia)
		}
		if avg.temperature > tempWarnHigh {
			factors = append(factors, RiskFactorFever)
		}
		if avg.temperature < tempWarnLow {
			factors = append(factors, RiskFactorHypothermia)
		}
		if avg.oxygen < spo2Warn {
			factors = append(factors, RiskFactorHypoxemia)
		}
	}
	for _, a := range assessments {
		if a.RiskLevel.IsHigh() {
			factors = append(factors, RiskFactorElevatedAIRisk)
			break
		}
	}
	return factors
}

func recommendations(s SubScores, haveAssessments bool) []string {
	recs := []string{}
	if s.VitalSigns < recommendBelow {
		recs = append(recs, "Schedule a clinical review of recent vital signs")
	}
	if haveAssessments && s.AIAnalysis < recommendBelow {
		recs = append(recs, "Review high-risk AI assessments with the care team")
	}
	if s.Trend < recommendBelow {
		recs = append(recs, "Increase monitoring frequency to confirm the heart rate trend")
	}
	if s.Compliance < recommendBelow {
		recs = append(recs, "Improve adherence to the prescribed monitoring schedule")
	}
	if len(recs) == 0 {
		recs = append(recs, "Continue the current monitoring plan")
	}
	return recs
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
