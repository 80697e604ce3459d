package monitoring

import (
	"math"
	"sort"
)

// Trend is the direction of a signal between the early and late sub-windows.
type Trend string

const (
	TrendStable     Trend = "stable"
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendNoData     Trend = "no_data"
)

// stableThreshold is the relative change below which a signal is stable.
const stableThreshold = 0.05

// TrendSummary holds one trend label per signal.
type TrendSummary struct {
	HeartRate        Trend `json:"heart_rate"`
	BPSystolic       Trend `json:"bp_systolic"`
	BPDiastolic      Trend `json:"bp_diastolic"`
	TemperatureC     Trend `json:"temperature_c"`
	OxygenSaturation Trend `json:"oxygen_saturation"`
	RespiratoryRate  Trend `json:"respiratory_rate"`
}

type signalFunc func(*VitalReading) float64

var (
	heartRateOf   signalFunc = func(r *VitalReading) float64 { return r.HeartRate }
	systolicOf    signalFunc = func(r *VitalReading) float64 { return r.BPSystolic }
	diastolicOf   signalFunc = func(r *VitalReading) float64 { return r.BPDiastolic }
	temperatureOf signalFunc = func(r *VitalReading) float64 { return r.TemperatureC }
	oxygenOf      signalFunc = func(r *VitalReading) float64 { return r.OxygenSaturation }
	respiratoryOf signalFunc = func(r *VitalReading) float64 { return r.RespiratoryRate }
)

// subWindowSize returns the size of the early and late sub-windows: a third
// of the history, but never less than one reading once there are two.
func subWindowSize(n int) int {
	if n < 2 {
		return 0
	}
	if k := n / 3; k > 0 {
		return k
	}
	return 1
}

// earlyLateMeans returns the mean of f over the first and last sub-windows.
// ok is false when there are fewer than two readings.
func earlyLateMeans(readings []*VitalReading, f signalFunc) (early, late float64, ok bool) {
	k := subWindowSize(len(readings))
	if k == 0 {
		return 0, 0, false
	}
	return meanOf(readings[:k], f), meanOf(readings[len(readings)-k:], f), true
}

func meanOf(readings []*VitalReading, f signalFunc) float64 {
	if len(readings) == 0 {
		return 0
	}
	var sum float64
	for _, r := range readings {
		sum += f(r)
	}
	return sum / float64(len(readings))
}

func trendOf(readings []*VitalReading, f signalFunc) Trend {
	early, late, ok := earlyLateMeans(readings, f)
	if !ok {
		return TrendNoData
	}
	if early == 0 {
		switch {
		case late > 0:
			return TrendIncreasing
		case late < 0:
			return TrendDecreasing
		}
		return TrendStable
	}
	change := (late - early) / early
	if math.Abs(change) < stableThreshold {
		return TrendStable
	}
	if change > 0 {
		return TrendIncreasing
	}
	return TrendDecreasing
}

// sortedReadings returns readings ordered oldest first. The input is not
// modified.
func sortedReadings(readings []*VitalReading) []*VitalReading {
	out := make([]*VitalReading, len(readings))
	copy(out, readings)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out
}

// ComputeTrends labels each signal's direction over the given window.
func ComputeTrends(readings []*VitalReading) TrendSummary {
	rs := sortedReadings(readings)
	return TrendSummary{
		HeartRate:        trendOf(rs, heartRateOf),
		BPSystolic:       trendOf(rs, systolicOf),
		BPDiastolic:      trendOf(rs, diastolicOf),
		TemperatureC:     trendOf(rs, temperatureOf),
		OxygenSaturation: trendOf(rs, oxygenOf),
		RespiratoryRate:  trendOf(rs, respiratoryOf),
	}
}
