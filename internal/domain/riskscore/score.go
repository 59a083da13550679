package riskscore

// CategoryScore is the breakdown for one subscale.
type CategoryScore struct {
	RawScore      int    `json:"rawScore"`
	RiskPoints    int    `json:"riskPoints"`
	SeverityLabel string `json:"severityLabel"`
}

// ScoreResult is the full, deterministic output of Calculate. It contains
// derived values only; no answer is copied into it.
type ScoreResult struct {
	TablesVersion   string                   `json:"tablesVersion"`
	TotalPoints     int                      `json:"totalPoints"`
	RiskBand        RiskBand                 `json:"riskBand"`
	Categories      map[string]CategoryScore `json:"categories"`
	SafetyTriggers  map[string]int           `json:"safetyTriggers"`
	AllergyRisks    map[string]int           `json:"allergyRisks"`
	Recommendations []string                 `json:"recommendations"`
}

// HasSafetyConcerns reports whether any safety trigger fired.
func (r ScoreResult) HasSafetyConcerns() bool { return len(r.SafetyTriggers) > 0 }

// HasAllergyRisks reports whether any allergy risk fired.
func (r ScoreResult) HasAllergyRisks() bool { return len(r.AllergyRisks) > 0 }

// RequiresUrgentAttention is true for critical scores and any safety trigger.
func (r ScoreResult) RequiresUrgentAttention() bool {
	return r.RiskBand == BandCritical || r.HasSafetyConcerns()
}

// Calculate scores answers with ScoringTablesV1.
func Calculate(answers Answers) (ScoreResult, error) {
	return ScoringTablesV1.Calculate(answers)
}

// Calculate is a pure function of answers and t: no I/O, no clock, no
// randomness. Missing answers contribute 0; malformed ones are an error.
func (t Tables) Calculate(answers Answers) (ScoreResult, error) {
	res := ScoreResult{
		TablesVersion:  t.Version,
		Categories:     make(map[string]CategoryScore, len(t.Subscales)),
		SafetyTriggers: map[string]int{},
		AllergyRisks:   map[string]int{},
	}

	for _, s := range t.Subscales {
		raw := 0
		for _, id := range s.Items {
			v, err := answers.intValue(id, s.ItemMax)
			if err != nil {
				return ScoreResult{}, err
			}
			raw += v
		}
		if raw > s.Cap {
			raw = s.Cap
		}
		cat := CategoryScore{RawScore: raw}
		if r, ok := lookupRange(s.Ranges, raw); ok {
			cat.RiskPoints = r.Points
			cat.SeverityLabel = r.Severity
		}
		res.Categories[s.Name] = cat
		res.TotalPoints += cat.RiskPoints
	}

	for _, tr := range t.SafetyTriggers {
		fired, err := tr.Fires(answers)
		if err != nil {
			return ScoreResult{}, err
		}
		if fired {
			res.SafetyTriggers[tr.Flag] = tr.Points
			res.TotalPoints += tr.Points
		}
	}
	for _, tr := range t.AllergyRisks {
		fired, err := tr.Fires(answers)
		if err != nil {
			return ScoreResult{}, err
		}
		if fired {
			res.AllergyRisks[tr.Flag] = tr.Points
			res.TotalPoints += tr.Points
		}
	}

	res.RiskBand = t.Band(res.TotalPoints)
	res.Recommendations = t.recommend(res)
	return res, nil
}

// Band maps a point total to a risk band. Totals beyond the last range, and
// any gap in the table, resolve to critical.
func (t Tables) Band(points int) RiskBand {
	for _, b := range t.Bands {
		if points >= b.Min && points <= b.Max {
			return b.Band
		}
	}
	return BandCritical
}

// lookupRange returns the first range containing v.
func lookupRange(ranges []Range, v int) (Range, bool) {
	for _, r := range ranges {
		if v >= r.Min && v <= r.Max {
			return r, true
		}
	}
	return Range{}, false
}
