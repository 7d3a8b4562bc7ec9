// Package validation wraps go-playground/validator with the project's custom
// tags and error formatting.
package validation

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"quota-gate/internal/common/errors"
)

// FieldError describes a single failed rule
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message"`
}

// Validator validates structs by their `validate` tags. Field names in errors
// come from the json tag, then the yaml tag, then the Go name.
type Validator struct {
	validate *validator.Validate
}

// New creates a validator with the custom tags registered
func New() *Validator {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "yaml"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})

	registerValidators(v)

	return &Validator{validate: v}
}

var (
	defaultValidator *Validator
	defaultOnce      sync.Once
)

// Default returns a shared validator. Validator is safe for concurrent use.
func Default() *Validator {
	defaultOnce.Do(func() {
		defaultValidator = New()
	})
	return defaultValidator
}

// Struct validates s and returns a validation AppError listing every failure
func (v *Validator) Struct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	fieldErrors := extractFieldErrors(err)
	if len(fieldErrors) == 1 {
		return errors.ValidationError(fieldErrors[0].Message).WithContext("field", fieldErrors[0].Field)
	}

	messages := make([]string, len(fieldErrors))
	for i, fe := range fieldErrors {
		messages[i] = fe.Message
	}
	return errors.ValidationError(fmt.Sprintf("validation failed: %s", strings.Join(messages, "; ")))
}

// Var validates a single value against tag
func (v *Validator) Var(field interface{}, tag string) error {
	if err := v.validate.Var(field, tag); err != nil {
		fieldErrors := extractFieldErrors(err)
		return errors.ValidationError(fieldErrors[0].Message)
	}
	return nil
}

func extractFieldErrors(err error) []FieldError {
	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []FieldError{{Field: "unknown", Tag: "error", Message: err.Error()}}
	}

	out := make([]FieldError, 0, len(validationErrs))
	for _, fe := range validationErrs {
		out = append(out, FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Message: formatFieldError(fe),
		})
	}
	return out
}

func formatFieldError(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("field '%s' is required", err.Field())
	case "url":
		return fmt.Sprintf("field '%s' must be a valid URL", err.Field())
	case "min", "gte":
		return fmt.Sprintf("field '%s' must be at least %s", err.Field(), err.Param())
	case "max", "lte":
		return fmt.Sprintf("field '%s' must be at most %s", err.Field(), err.Param())
	case "oneof":
		return fmt.Sprintf("field '%s' must be one of: %s", err.Field(), err.Param())
	case "dive":
		return fmt.Sprintf("field '%s' has an invalid element", err.Field())
	case "route_prefix":
		return fmt.Sprintf("field '%s' must be a path starting with '/'", err.Field())
	case "cron_schedule":
		return fmt.Sprintf("field '%s' must be a valid cron schedule", err.Field())
	case "hostport":
		return fmt.Sprintf("field '%s' must be a host:port address", err.Field())
	default:
		return fmt.Sprintf("field '%s' failed validation: %s", err.Field(), err.Tag())
	}
}

func registerValidators(v *validator.Validate) {
	// Route prefixes are matched against request paths
	_ = v.RegisterValidation("route_prefix", func(fl validator.FieldLevel) bool {
		prefix := fl.Field().String()
		return strings.HasPrefix(prefix, "/") && !strings.ContainsAny(prefix, " ?#")
	})

	// Standard five-field cron or a descriptor such as "@every 10s"
	_ = v.RegisterValidation("cron_schedule", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
}
