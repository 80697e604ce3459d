package monitoring

import (
	"math"
	"strings"
	"time"
)

// PredictiveRiskEstimate is a set of heuristic risk percentages.
//
// These are closed-form rules over the supplied inputs, not the output of a
// trained model. ConfidenceLevel and DataQualityScore are configured
// placeholder constants and are never derived from the data.
type PredictiveRiskEstimate struct {
	PatientID           string    `json:"patient_id,omitempty"`
	CardiovascularRisk  float64   `json:"cardiovascular_risk"`
	DiabetesRisk        float64   `json:"diabetes_risk"`
	HospitalizationRisk float64   `json:"hospitalization_risk"`
	ConfidenceLevel     float64   `json:"confidence_level"`
	DataQualityScore    float64   `json:"data_quality_score"`
	ComputedAt          time.Time `json:"computed_at"`
}

// PredictionConstants are the fixed values reported alongside every estimate.
type PredictionConstants struct {
	ConfidenceLevel  float64
	DataQualityScore float64
}

// DefaultPredictionConstants returns the placeholder values used when none
// are configured.
func DefaultPredictionConstants() PredictionConstants {
	return PredictionConstants{ConfidenceLevel: 0.85, DataQualityScore: 0.90}
}

// PredictiveInput is a snapshot of history taken at query time.
type PredictiveInput struct {
	Age         int
	Readings    []*VitalReading
	Assessments []*AIAssessment
	Constants   PredictionConstants
	Now         time.Time
}

var diabetesSymptomKeywords = []string{"thirst", "frequent urination"}

// CardiovascularRisk = clamp(10 + 15[age>65] + 20[avgSystolic>140] + 10[avgHR>100], 5, 95).
func CardiovascularRisk(age int, avgSystolic, avgHeartRate float64) float64 {
	risk := 10.0
	if age > 65 {
		risk += 15
	}
	if avgSystolic > systolicWarn {
		risk += 20
	}
	if avgHeartRate > hrWarnHigh {
		risk += 10
	}
	return clamp(risk, 5, 95)
}

// DiabetesRisk = clamp(8 + 25[any symptom text mentions thirst or frequent urination], 3, 90).
func DiabetesRisk(assessments []*AIAssessment) float64 {
	risk := 8.0
	if anySymptomMatches(assessments, diabetesSymptomKeywords) {
		risk += 25
	}
	return clamp(risk, 3, 90)
}

// HospitalizationRisk = clamp(5 + 8*highRiskAssessments + 2*abnormalReadings, 2, 85).
func HospitalizationRisk(highRiskAssessments, abnormalReadings int) float64 {
	risk := 5 + 8*float64(highRiskAssessments) + 2*float64(abnormalReadings)
	return clamp(risk, 2, 85)
}

func anySymptomMatches(assessments []*AIAssessment, keywords []string) bool {
	for _, a := range assessments {
		text := strings.ToLower(a.Symptoms)
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				return true
			}
		}
	}
	return false
}

// EstimateRisk applies the three heuristics to a history snapshot.
func EstimateRisk(in PredictiveInput) PredictiveRiskEstimate {
	highRisk := 0
	for _, a := range in.Assessments {
		if a.RiskLevel.IsHigh() {
			highRisk++
		}
	}
	abnormal := 0
	for _, r := range in.Readings {
		if r.IsAbnormal {
			abnormal++
		}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return PredictiveRiskEstimate{
		CardiovascularRisk:  CardiovascularRisk(in.Age, meanOf(in.Readings, systolicOf), meanOf(in.Readings, heartRateOf)),
		DiabetesRisk:        DiabetesRisk(in.Assessments),
		HospitalizationRisk: HospitalizationRisk(highRisk, abnormal),
		ConfidenceLevel:     in.Constants.ConfidenceLevel,
		DataQualityScore:    in.Constants.DataQualityScore,
		ComputedAt:          now,
	}
}

// validateAssessmentValues checks the numeric and enumerated fields of an
// assessment.
func validateAssessmentValues(a *AIAssessment) error {
	if math.IsNaN(a.ConfidenceScore) || a.ConfidenceScore < 0 || a.ConfidenceScore > 1 {
		return validationErrorf("confidence_score must be within [0,1]")
	}
	if !validRiskLevels[a.RiskLevel] {
		return validationErrorf("invalid risk_level: %q", a.RiskLevel)
	}
	return nil
}
