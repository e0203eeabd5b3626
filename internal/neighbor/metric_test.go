package neighbor

import (
	"math"
	"testing"
)

func TestComputeMetricsDefined(t *testing.T) {
	m := computeMetrics(1.0, 9, true, 10)
	if !m.Defined {
		t.Fatalf("Defined = false, want true")
	}
	if m.DF != 0.9 {
		t.Fatalf("DF = %v, want 0.9", m.DF)
	}
	if math.Abs(m.Probability-0.9) > 1e-9 {
		t.Fatalf("Probability = %v, want 0.9", m.Probability)
	}
	if want := 1 / 0.9; math.Abs(m.ETX-want) > 1e-9 {
		t.Fatalf("ETX = %v, want %v", m.ETX, want)
	}
}

func TestComputeMetricsUndefinedWithoutReport(t *testing.T) {
	m := computeMetrics(1.0, 0, false, 10)
	if m.HasDF || m.Defined {
		t.Fatalf("metric defined without a self-report: %+v", m)
	}
	if m.ETX != 0 {
		t.Fatalf("undefined ETX carries value %v, want zero struct field", m.ETX)
	}
}

func TestComputeMetricsZeroRatioUndefined(t *testing.T) {
	if m := computeMetrics(0, 9, true, 10); m.Defined {
		t.Fatalf("ETX defined with dr = 0")
	}
	if m := computeMetrics(1.0, 0, true, 10); m.Defined {
		t.Fatalf("ETX defined with reported count 0")
	}
}

func TestComputeMetricsClampsForwardRatio(t *testing.T) {
	m := computeMetrics(1.0, 14, true, 10)
	if m.DF != 1.0 {
		t.Fatalf("DF = %v, want clamp to 1.0", m.DF)
	}
	if m.ETX != 1.0 {
		t.Fatalf("ETX = %v, want 1.0 on a perfect link", m.ETX)
	}
}
