package hipaa

// PHIFieldConfig lists the columns of a record type that hold PHI and must be
// stored only as ciphertext envelopes.
type PHIFieldConfig struct {
	RecordType string
	Fields     []string
}

const RecordQuestionnaireResponse = "questionnaire_response"

// DefaultPHIFields is the declared PHI table. Adding a field here makes the
// persistence guard require it on every write of that record type.
func DefaultPHIFields() []PHIFieldConfig {
	return []PHIFieldConfig{
		{
			RecordType: RecordQuestionnaireResponse,
			Fields: []string{
				"answers",
				"ip_address",
				"user_agent",
			},
		},
	}
}

// PHIFieldsFor returns the declared PHI fields for recordType.
func PHIFieldsFor(recordType string) []string {
	for _, c := range DefaultPHIFields() {
		if c.RecordType == recordType {
			return c.Fields
		}
	}
	return nil
}

// PHIFieldPaths returns "<record>.<field>" keys for look-up.
func PHIFieldPaths() map[string]bool {
	paths := make(map[string]bool, 8)
	for _, c := range DefaultPHIFields() {
		for _, f := range c.Fields {
			paths[c.RecordType+"."+f] = true
		}
	}
	return paths
}
