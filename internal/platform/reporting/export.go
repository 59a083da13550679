package reporting

import (
	"fmt"
	"time"

	"github.com/hrq/hrq/internal/domain/riskscore"
)

const (
	ClassificationDeidentified = "de-identified"
	ClassificationClinical     = "clinical-phi"
)

// Source is the finalized-response data the adapter works from. It never
// includes answers.
type Source struct {
	ActorHash       string
	TemplateVersion int
	CompletedAt     time.Time
	Score           riskscore.ScoreResult
}

type ExportFlags struct {
	HasSafetyConcerns       bool `json:"hasSafetyConcerns"`
	HasAllergyRisks         bool `json:"hasAllergyRisks"`
	RequiresUrgentAttention bool `json:"requiresUrgentAttention"`
}

// ExportPayload is sent to health-plan and clinical-report collaborators.
type ExportPayload struct {
	PatientHash        string                        `json:"patientHash"`
	TemplateVersion    int                           `json:"templateVersion"`
	CompletedAt        time.Time                     `json:"completedAt"`
	RiskBand           riskscore.RiskBand            `json:"riskBand"`
	RiskAssessment     riskscore.AnalyticsSafeResult `json:"riskAssessment"`
	Recommendations    []string                      `json:"recommendations"`
	Flags              ExportFlags                   `json:"flags"`
	DataClassification string                        `json:"dataClassification"`
	PHIRemoved         bool                          `json:"phiRemoved"`
}

func flagsOf(s riskscore.ScoreResult) ExportFlags {
	return ExportFlags{
		HasSafetyConcerns:       s.HasSafetyConcerns(),
		HasAllergyRisks:         s.HasAllergyRisks(),
		RequiresUrgentAttention: s.RequiresUrgentAttention(),
	}
}

// BuildExport produces the de-identified export of a finalized response.
func BuildExport(src Source) (*ExportPayload, error) {
	if src.ActorHash == "" || src.CompletedAt.IsZero() {
		return nil, fmt.Errorf("export requires a completed response")
	}
	recs := make([]string, len(src.Score.Recommendations))
	copy(recs, src.Score.Recommendations)
	return &ExportPayload{
		PatientHash:        src.ActorHash,
		TemplateVersion:    src.TemplateVersion,
		CompletedAt:        src.CompletedAt.UTC(),
		RiskBand:           src.Score.RiskBand,
		RiskAssessment:     riskscore.RedactForAnalytics(src.Score),
		Recommendations:    recs,
		Flags:              flagsOf(src.Score),
		DataClassification: ClassificationDeidentified,
		PHIRemoved:         true,
	}, nil
}

// ClinicianReport is the full scoring breakdown for an authorized clinician.
// The route serving it is allow-listed for PHI.
type ClinicianReport struct {
	PatientHash        string                             `json:"patientHash"`
	TemplateVersion    int                                `json:"templateVersion"`
	CompletedAt        time.Time                          `json:"completedAt"`
	TotalPoints        int                                `json:"totalPoints"`
	RiskBand           riskscore.RiskBand                 `json:"riskBand"`
	Categories         map[string]riskscore.CategoryScore `json:"categories"`
	SafetyTriggers     map[string]int                     `json:"safetyTriggers"`
	AllergyRisks       map[string]int                     `json:"allergyRisks"`
	Recommendations    []string                           `json:"recommendations"`
	Flags              ExportFlags                        `json:"flags"`
	DataClassification string                             `json:"dataClassification"`
	GeneratedAt        time.Time                          `json:"generatedAt"`
}

func BuildClinicianReport(src Source, now time.Time) (*ClinicianReport, error) {
	if src.CompletedAt.IsZero() {
		return nil, fmt.Errorf("report requires a completed response")
	}
	return &ClinicianReport{
		PatientHash:        src.ActorHash,
		TemplateVersion:    src.TemplateVersion,
		CompletedAt:        src.CompletedAt.UTC(),
		TotalPoints:        src.Score.TotalPoints,
		RiskBand:           src.Score.RiskBand,
		Categories:         src.Score.Categories,
		SafetyTriggers:     src.Score.SafetyTriggers,
		AllergyRisks:       src.Score.AllergyRisks,
		Recommendations:    src.Score.Recommendations,
		Flags:              flagsOf(src.Score),
		DataClassification: ClassificationClinical,
		GeneratedAt:        now.UTC(),
	}, nil
}
