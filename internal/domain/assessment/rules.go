package assessment

import (
	"github.com/go-playground/validator/v10"

	"github.com/copd/assessment/internal/platform/validation"
)

const catSumTag = "cat_sum"

// RegisterRules installs the cross-field rules of the assessment payloads.
func RegisterRules(v *validation.Validator) {
	v.RegisterStructRule(catSumTag, "must equal the sum of CAT1 to CAT8", validateCATSum, Survey{})
}

// validateCATSum checks CAT_sum against the eight sub-scores. It stays quiet
// unless every input is present and in range, so a bad sub-score is reported
// once, on its own field.
func validateCATSum(sl validator.StructLevel) {
	s := sl.Current().Interface().(Survey)
	if s.CATSum == nil || *s.CATSum < 0 || *s.CATSum > 40 {
		return
	}
	sum := 0
	for _, score := range s.scores() {
		if score == nil || *score < 0 || *score > 5 {
			return
		}
		sum += *score
	}
	if sum != *s.CATSum {
		sl.ReportError(*s.CATSum, "CAT_sum", "CATSum", catSumTag, "")
	}
}
