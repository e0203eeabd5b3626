package neighbor

// Metrics holds the derived link quality numbers for one neighbor.
//
// DF (forward delivery ratio) is only known once the neighbor has
// echoed back how many of our probes it received; until then HasDF is
// false and the ETX is undefined. An undefined ETX is reported as
// Defined == false, never as zero or an infinity.
type Metrics struct {
	DR          float64
	DF          float64
	HasDF       bool
	Probability float64
	ETX         float64
	Defined     bool
}

func computeMetrics(dr float64, reported int, hasReport bool, expected int) Metrics {
	m := Metrics{DR: dr}
	if !hasReport {
		return m
	}
	m.HasDF = true
	m.DF = clampRatio(float64(reported) / float64(expected))
	m.Probability = m.DF * m.DR
	if m.Probability > 0 {
		m.ETX = 1 / m.Probability
		m.Defined = true
	}
	return m
}

func clampRatio(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
