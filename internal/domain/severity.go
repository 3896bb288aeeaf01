package domain

// RiskLevel buckets an accumulated risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var severityWeights = map[Kind]float64{
	KindTabSwitch:        2.0,
	KindFaceNotFound:     2.5,
	KindAttentionLoss:    2.5,
	KindMultipleFaces:    4.0,
	KindPhoneDetected:    5.0,
	KindSuspiciousWindow: 3.0,
}

// defaultSeverity applies to kinds without a configured weight.
const defaultSeverity = 1.5

// Severity returns the base weight of a kind.
func (k Kind) Severity() float64 {
	if w, ok := severityWeights[k]; ok {
		return w
	}
	return defaultSeverity
}

// LevelForScore maps a risk score onto a RiskLevel.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score >= 30:
		return RiskCritical
	case score >= 15:
		return RiskHigh
	case score >= 7:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Recommendation returns the proctor action suggested for a dominant kind.
func (k Kind) Recommendation() string {
	switch k {
	case KindTabSwitch:
		return "Ask student to keep only one test window open."
	case KindFaceNotFound, KindAttentionLoss:
		return "Request camera angle adjustment."
	case KindMultipleFaces:
		return "Require immediate room re-check."
	case KindPhoneDetected:
		return "Do a manual integrity check now."
	default:
		return "Run a short manual check with the student."
	}
}
