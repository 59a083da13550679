package riskscore

import "strconv"

// RiskBand is the ordinal severity of an aggregate score.
type RiskBand string

const (
	BandLow      RiskBand = "low"
	BandModerate RiskBand = "moderate"
	BandHigh     RiskBand = "high"
	BandCritical RiskBand = "critical"
)

var bandRank = map[RiskBand]int{BandLow: 0, BandModerate: 1, BandHigh: 2, BandCritical: 3}

// AtLeast reports whether b is as severe as other or more.
func (b RiskBand) AtLeast(other RiskBand) bool {
	return bandRank[b] >= bandRank[other]
}

// Valid reports whether b is one of the four defined bands.
func (b RiskBand) Valid() bool {
	_, ok := bandRank[b]
	return ok
}

// Range maps an inclusive [Min, Max] interval to a value.
type Range struct {
	Min, Max int
	Points   int
	Severity string
}

// Subscale is a summed instrument. Each item is an integer in [0, ItemMax];
// the raw sum is capped at Cap.
type Subscale struct {
	Name    string
	Items   []string
	ItemMax int
	Cap     int
	Ranges  []Range
}

// Trigger adds fixed points when Fires reports true.
type Trigger struct {
	Flag   string
	Points int
	Fires  func(a Answers) (bool, error)
}

// BandRange maps an inclusive point interval to a band.
type BandRange struct {
	Min, Max int
	Band     RiskBand
}

// Tables is a versioned, immutable set of scoring constants.
type Tables struct {
	Version        string
	Subscales      []Subscale
	SafetyTriggers []Trigger
	AllergyRisks   []Trigger
	Bands          []BandRange
}

const (
	SubscaleDepression = "depression"
	SubscaleAnxiety    = "anxiety"
	SubscaleAlcohol    = "alcohol_use"

	FlagSuicidalIdeation   = "suicidal_ideation"
	FlagSelfHarm           = "self_harm"
	FlagViolenceRisk       = "violence_risk"
	FlagAnaphylaxisNoEpi   = "anaphylaxis_without_epinephrine"
	FlagSevereNoActionPlan = "severe_allergy_without_action_plan"

	SuicidalIdeationPoints = 100
)

func itemIDs(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = prefix + strconv.Itoa(i+1)
	}
	return ids
}

// ScoringTablesV1 is the authoritative table set. Thresholds are clinical
// constants; change them only by adding a new version.
var ScoringTablesV1 = Tables{
	Version: "v1",
	Subscales: []Subscale{
		{
			Name: SubscaleDepression, Items: itemIDs("phq9_", 9), ItemMax: 3, Cap: 27,
			Ranges: []Range{
				{0, 4, 0, "minimal"},
				{5, 9, 10, "mild"},
				{10, 14, 20, "moderate"},
				{15, 19, 40, "moderately_severe"},
				{20, 27, 60, "severe"},
			},
		},
		{
			Name: SubscaleAnxiety, Items: itemIDs("gad7_", 7), ItemMax: 3, Cap: 21,
			Ranges: []Range{
				{0, 4, 0, "minimal"},
				{5, 9, 10, "mild"},
				{10, 14, 25, "moderate"},
				{15, 21, 40, "severe"},
			},
		},
		{
			Name: SubscaleAlcohol, Items: itemIDs("auditc_", 3), ItemMax: 4, Cap: 12,
			Ranges: []Range{
				{0, 2, 0, "low"},
				{3, 5, 10, "moderate"},
				{6, 7, 20, "high"},
				{8, 12, 30, "severe"},
			},
		},
	},
	SafetyTriggers: []Trigger{
		{Flag: FlagSuicidalIdeation, Points: SuicidalIdeationPoints, Fires: func(a Answers) (bool, error) {
			item, err := a.intValue("phq9_9", 3)
			if err != nil {
				return false, err
			}
			if item >= 1 {
				return true, nil
			}
			return a.boolValue("safety_suicidal_thoughts")
		}},
		{Flag: FlagSelfHarm, Points: 75, Fires: func(a Answers) (bool, error) {
			return a.boolValue("safety_self_harm")
		}},
		{Flag: FlagViolenceRisk, Points: 50, Fires: func(a Answers) (bool, error) {
			return a.boolValue("safety_harm_others")
		}},
	},
	AllergyRisks: []Trigger{
		{Flag: FlagAnaphylaxisNoEpi, Points: 30, Fires: func(a Answers) (bool, error) {
			return a.flagWithoutMitigation("allergy_anaphylaxis_history", "allergy_epinephrine_autoinjector")
		}},
		{Flag: FlagSevereNoActionPlan, Points: 20, Fires: func(a Answers) (bool, error) {
			return a.flagWithoutMitigation("allergy_severe", "allergy_action_plan")
		}},
	},
	Bands: []BandRange{
		{0, 24, BandLow},
		{25, 59, BandModerate},
		{60, 99, BandHigh},
		{100, 249, BandCritical},
	},
}

// BooleanQuestions lists every boolean question the tables read.
var BooleanQuestions = []string{
	"safety_suicidal_thoughts", "safety_self_harm", "safety_harm_others",
	"allergy_anaphylaxis_history", "allergy_epinephrine_autoinjector",
	"allergy_severe", "allergy_action_plan",
}
