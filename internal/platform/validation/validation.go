// Package validation wraps go-playground/validator with the custom tags used
// by intake payloads and converts its errors into a ValidationError that
// lists every failing field.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/copd/assessment/internal/platform/layout"
)

// ISODate is the only accepted calendar date format.
const ISODate = "2006-01-02"

// Violation describes one field that failed one constraint.
type Violation struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
	Param      string `json:"param,omitempty"`
	Message    string `json:"message"`
}

// ValidationError carries every violation found in a submission.
type ValidationError struct {
	Violations []Violation `json:"violations"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Has reports whether field already has a violation.
func (e *ValidationError) Has(field string) bool {
	for _, v := range e.Violations {
		if v.Field == field {
			return true
		}
	}
	return false
}

// Add appends a violation.
func (e *ValidationError) Add(field, constraint, param, message string) {
	e.Violations = append(e.Violations, Violation{Field: field, Constraint: constraint, Param: param, Message: message})
}

// OrNil returns e when it holds at least one violation.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Violations) == 0 {
		return nil
	}
	return e
}

// Merge combines extra (field-level checks done outside the validator) with
// err. Violations from err on a field already reported in extra are dropped.
func Merge(extra *ValidationError, err error) error {
	out := &ValidationError{}
	if extra != nil {
		out.Violations = append(out.Violations, extra.Violations...)
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		for _, v := range ve.Violations {
			if !out.Has(v.Field) {
				out.Violations = append(out.Violations, v)
			}
		}
	} else if err != nil {
		return err
	}
	return out.OrNil()
}

// Validator is safe for concurrent use once all rules are registered.
type Validator struct {
	v        *validator.Validate
	messages map[string]string
}

// New returns a Validator that names fields after their JSON keys and knows
// the patient_id and isodate tags.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	mustRegister(v, "patient_id", func(fl validator.FieldLevel) bool {
		return layout.ValidPatientID(fl.Field().String())
	})
	mustRegister(v, "isodate", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if len(s) != len(ISODate) {
			return false
		}
		_, err := time.Parse(ISODate, s)
		return err == nil
	})
	return &Validator{v: v, messages: map[string]string{}}
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("validation: register %q: %v", tag, err))
	}
}

// DecodeError converts a JSON type mismatch into a violation on the
// offending field, so it can be merged with the checks run on the fields
// that did decode. Any other error yields nil.
func DecodeError(err error) *ValidationError {
	var ute *json.UnmarshalTypeError
	if !errors.As(err, &ute) {
		return nil
	}
	field := ute.Field
	if field == "" {
		field = "body"
	}
	out := &ValidationError{}
	out.Add(field, "type", jsonType(ute.Type), "must be of type "+jsonType(ute.Type))
	return out
}

func jsonType(t reflect.Type) string {
	if t == nil {
		return "unknown"
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.String:
		return "string"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Struct, reflect.Map:
		return "object"
	}
	return t.Kind().String()
}

// RegisterStructRule installs a cross-field rule for the given struct types.
// Violations it reports under tag are described with msg.
func (val *Validator) RegisterStructRule(tag, msg string, fn validator.StructLevelFunc, types ...interface{}) {
	val.messages[tag] = msg
	val.v.RegisterStructValidation(fn, types...)
}

// Validate implements echo.Validator. It returns nil or a *ValidationError.
func (val *Validator) Validate(i interface{}) error {
	err := val.v.Struct(i)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("validate: %w", err)
	}
	out := &ValidationError{}
	for _, fe := range fieldErrs {
		out.Violations = append(out.Violations, Violation{
			Field:      fieldPath(fe.Namespace()),
			Constraint: fe.Tag(),
			Param:      fe.Param(),
			Message:    val.message(fe),
		})
	}
	return out
}

// fieldPath drops the top-level struct name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

func (val *Validator) message(fe validator.FieldError) string {
	if m, ok := val.messages[fe.Tag()]; ok {
		return m
	}
	switch fe.Tag() {
	case "required":
		return "field required"
	case "min", "gte":
		return "must be greater than or equal to " + fe.Param()
	case "max", "lte":
		return "must be less than or equal to " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "oneof":
		return "must be one of [" + fe.Param() + "]"
	case "isodate":
		return "must be a date in YYYY-MM-DD format"
	case "patient_id":
		return layout.ErrInvalidPatientID.Error()
	case "type":
		return "must be of type " + fe.Param()
	}
	return "failed constraint " + fe.Tag()
}
