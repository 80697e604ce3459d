package monitoring

import (
	"testing"
	"time"
)

var baseTime = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func readingsWithHR(values ...float64) []*VitalReading {
	out := make([]*VitalReading, len(values))
	for i, v := range values {
		r := normalReading()
		r.HeartRate = v
		r.RecordedAt = baseTime.Add(time.Duration(i) * time.Minute)
		out[i] = &r
	}
	return out
}

func TestComputeTrends_FewerThanTwoReadings(t *testing.T) {
	for _, rs := range [][]*VitalReading{nil, readingsWithHR(80)} {
		s := ComputeTrends(rs)
		for _, tr := range []Trend{s.HeartRate, s.BPSystolic, s.BPDiastolic, s.TemperatureC, s.OxygenSaturation, s.RespiratoryRate} {
			if tr != TrendNoData {
				t.Errorf("expected no_data for %d readings, got %s", len(rs), tr)
			}
		}
	}
}

func TestComputeTrends_TwoReadingsUseOneEach(t *testing.T) {
	s := ComputeTrends(readingsWithHR(60, 90))
	if s.HeartRate != TrendIncreasing {
		t.Errorf("expected increasing, got %s", s.HeartRate)
	}
	if s.BPSystolic != TrendStable {
		t.Errorf("expected stable, got %s", s.BPSystolic)
	}
}

func TestComputeTrends_ThirdsSplit(t *testing.T) {
	// n=6 -> k=2: early mean 100, late mean 80, change -20%
	s := ComputeTrends(readingsWithHR(100, 100, 500, 5, 80, 80))
	if s.HeartRate != TrendDecreasing {
		t.Errorf("expected decreasing, got %s", s.HeartRate)
	}
}

func TestComputeTrends_StableThreshold(t *testing.T) {
	tests := []struct {
		late float64
		want Trend
	}{
		{104.9, TrendStable},
		{105, TrendIncreasing},
		{95.1, TrendStable},
		{95, TrendDecreasing},
	}
	for _, tt := range tests {
		s := ComputeTrends(readingsWithHR(100, 100, 100, tt.late, tt.late, tt.late))
		if s.HeartRate != tt.want {
			t.Errorf("late %.1f: expected %s, got %s", tt.late, tt.want, s.HeartRate)
		}
	}
}

func TestComputeTrends_ZeroEarlyMean(t *testing.T) {
	rs := readingsWithHR(0, 0)
	if s := ComputeTrends(rs); s.HeartRate != TrendStable {
		t.Errorf("expected stable for all-zero series, got %s", s.HeartRate)
	}
	rs = readingsWithHR(0, 10)
	if s := ComputeTrends(rs); s.HeartRate != TrendIncreasing {
		t.Errorf("expected increasing from zero, got %s", s.HeartRate)
	}
}

func TestComputeTrends_SortsInput(t *testing.T) {
	rs := readingsWithHR(60, 90)
	rs[0], rs[1] = rs[1], rs[0]
	if s := ComputeTrends(rs); s.HeartRate != TrendIncreasing {
		t.Errorf("expected increasing after ordering by time, got %s", s.HeartRate)
	}
	if rs[0].HeartRate != 90 {
		t.Error("input slice must not be reordered")
	}
}
