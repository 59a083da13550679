package riskscore

var bandRecommendations = map[RiskBand]string{
	BandLow:      "Continue routine preventive care and rescreen in 12 months.",
	BandModerate: "Schedule a follow-up with a primary care provider within 30 days.",
	BandHigh:     "Arrange a clinical assessment within 7 days.",
	BandCritical: "Immediate clinical review is required.",
}

var flagRecommendations = map[string]string{
	FlagSuicidalIdeation:   "Provide crisis resources (988 Suicide & Crisis Lifeline) and complete a same-day safety assessment.",
	FlagSelfHarm:           "Complete a self-harm risk assessment and safety plan.",
	FlagViolenceRisk:       "Escalate for violence risk assessment per clinical protocol.",
	FlagAnaphylaxisNoEpi:   "Prescribe an epinephrine auto-injector and review anaphylaxis management.",
	FlagSevereNoActionPlan: "Document an allergy action plan.",
}

// subscaleRecommendations apply when the subscale contributes risk points.
var subscaleRecommendations = map[string]string{
	SubscaleDepression: "Consider behavioral health referral for depressive symptoms.",
	SubscaleAnxiety:    "Consider behavioral health referral for anxiety symptoms.",
	SubscaleAlcohol:    "Offer a brief alcohol-use intervention.",
}

// recommend builds the list in table order: band first, then safety
// triggers, subscales and allergy risks.
func (t Tables) recommend(res ScoreResult) []string {
	out := []string{bandRecommendations[res.RiskBand]}
	for _, tr := range t.SafetyTriggers {
		if _, ok := res.SafetyTriggers[tr.Flag]; ok {
			out = append(out, flagRecommendations[tr.Flag])
		}
	}
	for _, s := range t.Subscales {
		if res.Categories[s.Name].RiskPoints > 0 {
			out = append(out, subscaleRecommendations[s.Name])
		}
	}
	for _, tr := range t.AllergyRisks {
		if _, ok := res.AllergyRisks[tr.Flag]; ok {
			out = append(out, flagRecommendations[tr.Flag])
		}
	}
	return out
}
