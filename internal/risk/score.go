package risk

import "github.com/opensource-finance/talon/internal/domain"

// MaxScore is the ceiling of a combined score.
const MaxScore = 100.0

// Combine sums contributions, caps the sum at MaxScore and lets any veto
// force MaxScore.
func Combine(contributions []domain.Contribution) (score float64, vetoed bool) {
	for _, c := range contributions {
		if c.Veto {
			vetoed = true
			continue
		}
		score += c.Contribution
	}
	if vetoed || score > MaxScore {
		score = MaxScore
	}
	return score, vetoed
}

// LevelFor bands a score.
func LevelFor(score float64) domain.RiskLevel {
	switch {
	case score >= 80:
		return domain.RiskCritical
	case score >= 60:
		return domain.RiskHigh
	case score >= 30:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

// RecommendationFor applies the approval policy to a score and level.
func RecommendationFor(score float64, level domain.RiskLevel) domain.Recommendation {
	switch {
	case level == domain.RiskCritical || score >= 80:
		return domain.RecommendReject
	case score >= 40:
		return domain.RecommendReview
	default:
		return domain.RecommendApprove
	}
}
