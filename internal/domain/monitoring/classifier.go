package monitoring

import (
	"fmt"
	"math"
)

// AlertDescriptor is one signal's abnormality finding.
type AlertDescriptor struct {
	Signal      Signal   `json:"signal"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
}

// Classification is the outcome of evaluating one reading.
type Classification struct {
	IsAbnormal  bool              `json:"is_abnormal"`
	AlertLevel  Severity          `json:"alert_level"`
	Descriptors []AlertDescriptor `json:"descriptors"`
	// Breached lists every signal outside its normal range, including those
	// that produce no descriptor.
	Breached []Signal `json:"-"`
}

// Clinical thresholds. Every comparison is strict, so a value sitting on a
// boundary belongs to the milder tier.
const (
	hrWarnLow      = 60.0
	hrWarnHigh     = 100.0
	hrCritLow      = 50.0
	hrCritHigh     = 120.0
	systolicWarn   = 140.0
	systolicCrit   = 180.0
	diastolicWarn  = 90.0
	diastolicCrit  = 110.0
	tempWarnLow    = 36.0
	tempWarnHigh   = 37.5
	tempCritLow    = 35.0
	tempCritHigh   = 39.0
	spo2Warn       = 95.0
	spo2Crit       = 90.0
	idealHeartRate = 70.0
)

func heartRateTier(v float64) Severity {
	switch {
	case v < hrCritLow || v > hrCritHigh:
		return SeverityCritical
	case v < hrWarnLow || v > hrWarnHigh:
		return SeverityWarning
	}
	return SeverityNormal
}

func systolicTier(v float64) Severity {
	switch {
	case v > systolicCrit:
		return SeverityCritical
	case v > systolicWarn:
		return SeverityWarning
	}
	return SeverityNormal
}

func diastolicTier(v float64) Severity {
	switch {
	case v > diastolicCrit:
		return SeverityCritical
	case v > diastolicWarn:
		return SeverityWarning
	}
	return SeverityNormal
}

func temperatureTier(v float64) Severity {
	switch {
	case v < tempCritLow || v > tempCritHigh:
		return SeverityCritical
	case v < tempWarnLow || v > tempWarnHigh:
		return SeverityWarning
	}
	return SeverityNormal
}

func oxygenTier(v float64) Severity {
	switch {
	case v < spo2Crit:
		return SeverityCritical
	case v < spo2Warn:
		return SeverityWarning
	}
	return SeverityNormal
}

// ValidateReading rejects readings with NaN or infinite measurements.
func ValidateReading(r *VitalReading) error {
	fields := []struct {
		name string
		v    float64
	}{
		{"heart_rate", r.HeartRate},
		{"bp_systolic", r.BPSystolic},
		{"bp_diastolic", r.BPDiastolic},
		{"temperature_c", r.TemperatureC},
		{"oxygen_saturation", r.OxygenSaturation},
		{"respiratory_rate", r.RespiratoryRate},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return validationErrorf("%s must be a finite number", f.name)
		}
	}
	return nil
}

// Classify evaluates a reading against the clinical thresholds. It has no
// side effects and only fails on non-finite input.
//
// The overall level is the highest tier across signals, except that any
// oxygen saturation breach forces critical. Oxygen saturation only produces a
// descriptor of its own in the critical tier.
func Classify(r VitalReading) (Classification, error) {
	if err := ValidateReading(&r); err != nil {
		return Classification{}, err
	}

	out := Classification{AlertLevel: SeverityNormal, Descriptors: []AlertDescriptor{}}

	if sev := heartRateTier(r.HeartRate); sev != SeverityNormal {
		out.add(AlertDescriptor{
			Signal:   SignalHeartRate,
			Severity: sev,
			Title:    titleFor(sev, "Heart Rate"),
			Description: fmt.Sprintf("Heart rate %.0f bpm is outside the normal range (%.0f-%.0f bpm)",
				r.HeartRate, hrWarnLow, hrWarnHigh),
		})
	}

	sys, dia := systolicTier(r.BPSystolic), diastolicTier(r.BPDiastolic)
	if bp := maxSeverity(sys, dia); bp != SeverityNormal {
		out.add(AlertDescriptor{
			Signal:   SignalBloodPressure,
			Severity: bp,
			Title:    titleFor(bp, "Blood Pressure"),
			Description: fmt.Sprintf("Blood pressure %.0f/%.0f mmHg exceeds %.0f/%.0f mmHg",
				r.BPSystolic, r.BPDiastolic, systolicWarn, diastolicWarn),
		})
	}

	if sev := temperatureTier(r.TemperatureC); sev != SeverityNormal {
		out.add(AlertDescriptor{
			Signal:   SignalTemperature,
			Severity: sev,
			Title:    titleFor(sev, "Temperature"),
			Description: fmt.Sprintf("Temperature %.1f°C is outside the normal range (%.1f-%.1f°C)",
				r.TemperatureC, tempWarnLow, tempWarnHigh),
		})
	}

	switch oxygenTier(r.OxygenSaturation) {
	case SeverityCritical:
		out.add(AlertDescriptor{
			Signal:      SignalOxygenSaturation,
			Severity:    SeverityCritical,
			Title:       titleFor(SeverityCritical, "Oxygen Saturation"),
			Description: fmt.Sprintf("Oxygen saturation %.0f%% is below %.0f%%", r.OxygenSaturation, spo2Crit),
		})
		out.AlertLevel = SeverityCritical
	case SeverityWarning:
		out.IsAbnormal = true
		out.AlertLevel = SeverityCritical
		out.Breached = append(out.Breached, SignalOxygenSaturation)
	}

	return out, nil
}

func (c *Classification) add(d AlertDescriptor) {
	c.IsAbnormal = true
	c.AlertLevel = maxSeverity(c.AlertLevel, d.Severity)
	c.Descriptors = append(c.Descriptors, d)
	c.Breached = append(c.Breached, d.Signal)
}

func titleFor(sev Severity, signal string) string {
	if sev == SeverityCritical {
		return "Critical " + signal
	}
	return "Abnormal " + signal
}
