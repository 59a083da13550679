package riskscore

import "strconv"

const bucketWidth = 25

// AnalyticsSafeResult is ScoreResult with every raw number reduced to a
// has-risk flag or a bucket.
type AnalyticsSafeResult struct {
	RiskBand          RiskBand        `json:"riskBand"`
	ScoreBucket       string          `json:"scoreBucket"`
	ScoreRedacted     int             `json:"scoreRedacted"`
	Categories        map[string]bool `json:"categories"`
	HasSafetyConcerns bool            `json:"hasSafetyConcerns"`
	HasAllergyRisks   bool            `json:"hasAllergyRisks"`
}

// BucketScore floors total to a multiple of 25 and returns it with its label,
// e.g. 37 -> (25, "25-49"). Totals of 250 and above share the "250+" bucket.
func BucketScore(total int) (int, string) {
	if total < 0 {
		total = 0
	}
	if total >= 10*bucketWidth {
		return 10 * bucketWidth, "250+"
	}
	lo := total - total%bucketWidth
	return lo, strconv.Itoa(lo) + "-" + strconv.Itoa(lo+bucketWidth-1)
}

// RedactForAnalytics drops raw scores, points and flag names.
func RedactForAnalytics(r ScoreResult) AnalyticsSafeResult {
	redacted, label := BucketScore(r.TotalPoints)
	cats := make(map[string]bool, len(r.Categories))
	for name, c := range r.Categories {
		cats[name] = c.RiskPoints > 0
	}
	return AnalyticsSafeResult{
		RiskBand:          r.RiskBand,
		ScoreBucket:       label,
		ScoreRedacted:     redacted,
		Categories:        cats,
		HasSafetyConcerns: r.HasSafetyConcerns(),
		HasAllergyRisks:   r.HasAllergyRisks(),
	}
}
