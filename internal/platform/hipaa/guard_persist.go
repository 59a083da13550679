package hipaa

import (
	"sort"

	"github.com/rs/zerolog"
)

// PHIRecord is implemented by rows about to be written. PHIValues maps each
// column name to its stored value; nil means the column is empty.
type PHIRecord interface {
	PHIRecordType() string
	PHIValues() map[string]*string
}

// EncryptionValidator runs immediately before persistence and refuses any
// declared PHI column that is not a ciphertext envelope.
type EncryptionValidator struct {
	fields map[string][]string
	logger zerolog.Logger
}

func NewEncryptionValidator(logger zerolog.Logger) *EncryptionValidator {
	fields := make(map[string][]string)
	for _, c := range DefaultPHIFields() {
		fields[c.RecordType] = c.Fields
	}
	return &EncryptionValidator{fields: fields, logger: logger}
}

// Validate returns a PHILeakError naming every offending column. A declared
// column missing from PHIValues counts as offending: the record type has
// drifted from the declared table.
func (v *EncryptionValidator) Validate(rec PHIRecord) error {
	declared := v.fields[rec.PHIRecordType()]
	values := rec.PHIValues()

	var bad []string
	for _, f := range declared {
		val, ok := values[f]
		if !ok {
			bad = append(bad, f)
			continue
		}
		if val == nil || *val == "" {
			continue
		}
		if !IsEnvelope(*val) {
			bad = append(bad, f)
		}
	}
	if len(bad) == 0 {
		return nil
	}

	sort.Strings(bad)
	v.logger.Error().
		Str("severity", "critical").
		Str("type", "phi_leak").
		Str("guard", "persist").
		Str("record", rec.PHIRecordType()).
		Strs("fields", bad).
		Msg("refusing to persist plaintext PHI")
	return &PHILeakError{Guard: "persist", Fields: bad}
}
