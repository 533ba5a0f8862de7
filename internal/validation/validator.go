// Questline - Study Gamification Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/questline

// Package validation provides struct validation using go-playground/validator v10.
//
// It keeps one thread-safe validator instance (the library caches struct
// metadata per instance) with the custom tags this service needs:
//
//   - routingkey: a concrete dot-delimited routing key (no wildcards)
//   - bindingpattern: a topic binding pattern that may use * and #
//
// Field names in errors use the json tag, so messages match the wire
// payload ("userId is required", not "UserID is required").
//
//	type SessionFinalized struct {
//	    UserID           string `json:"userId" validate:"required"`
//	    StudyTimeMinutes int    `json:"studyTimeMinutes" validate:"gte=0"`
//	}
//
//	if err := validation.ValidateStruct(&payload); err != nil {
//	    return eventprocessor.NewPermanentError("invalid payload", err)
//	}
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// FieldError describes one failed rule.
type FieldError struct {
	Field   string
	Tag     string
	Param   string
	Value   interface{}
	Message string
}

// Error returns the human-readable message.
func (e FieldError) Error() string {
	return e.Message
}

// Errors is the set of failures for one struct.
type Errors struct {
	fields []FieldError
}

// Fields returns the individual failures.
func (ve *Errors) Fields() []FieldError {
	return ve.fields
}

// Error joins all messages.
func (ve *Errors) Error() string {
	if len(ve.fields) == 0 {
		return "validation failed"
	}
	messages := make([]string, len(ve.fields))
	for i, f := range ve.fields {
		messages[i] = f.Message
	}
	return strings.Join(messages, "; ")
}

// GetValidator returns the shared validator instance.
func GetValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			for _, tag := range []string{"json", "koanf"} {
				name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
				if name == "-" {
					return ""
				}
				if name != "" {
					return name
				}
			}
			return fld.Name
		})

		// Registration only fails for empty tags or nil funcs.
		_ = validate.RegisterValidation("routingkey", func(fl validator.FieldLevel) bool {
			return IsRoutingKey(fl.Field().String())
		})
		_ = validate.RegisterValidation("bindingpattern", func(fl validator.FieldLevel) bool {
			return IsBindingPattern(fl.Field().String())
		})
	})
	return validate
}

// ValidateStruct validates s. It returns nil or an *Errors.
func ValidateStruct(s interface{}) error {
	err := GetValidator().Struct(s)
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return &Errors{fields: []FieldError{{Field: "unknown", Tag: "unknown", Message: err.Error()}}}
	}

	fields := make([]FieldError, len(validationErrs))
	for i, fe := range validationErrs {
		fields[i] = FieldError{
			Field:   fe.Field(),
			Tag:     fe.Tag(),
			Param:   fe.Param(),
			Value:   fe.Value(),
			Message: translateError(fe),
		}
	}
	return &Errors{fields: fields}
}

// IsRoutingKey reports whether key is a concrete routing key: non-empty
// dot-separated words without wildcards.
func IsRoutingKey(key string) bool {
	if key == "" || len(key) > 255 {
		return false
	}
	for _, word := range strings.Split(key, ".") {
		if word == "" || strings.ContainsAny(word, "*# ") {
			return false
		}
	}
	return true
}

// IsBindingPattern reports whether p is a valid topic binding pattern.
// Words may be literal, "*" (exactly one word) or "#" (zero or more words).
func IsBindingPattern(p string) bool {
	if p == "" || len(p) > 255 {
		return false
	}
	for _, word := range strings.Split(p, ".") {
		switch {
		case word == "*" || word == "#":
		case word == "" || strings.ContainsAny(word, "*# "):
			return false
		}
	}
	return true
}

var messageTemplates = map[string]string{
	"required":       "%s is required",
	"url":            "%s must be a valid URL",
	"timezone":       "%s must be an IANA timezone name",
	"routingkey":     "%s must be a dot-delimited routing key without wildcards",
	"bindingpattern": "%s must be a valid topic binding pattern",
	"hostname_port":  "%s must be host:port",
}

var messageTemplatesWithParam = map[string]string{
	"oneof": "%s must be one of: %s",
	"gte":   "%s must be greater than or equal to %s",
	"lte":   "%s must be less than or equal to %s",
	"gt":    "%s must be greater than %s",
	"lt":    "%s must be less than %s",
	"min":   "%s must be at least %s",
	"max":   "%s must be at most %s",
}

func translateError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	if t, ok := messageTemplates[fe.Tag()]; ok {
		return fmt.Sprintf(t, field)
	}
	if t, ok := messageTemplatesWithParam[fe.Tag()]; ok {
		if fe.Kind() == reflect.String && (fe.Tag() == "min" || fe.Tag() == "max") {
			return fmt.Sprintf(t+" characters", field, fe.Param())
		}
		if fe.Kind() == reflect.Slice && (fe.Tag() == "min" || fe.Tag() == "max") {
			return fmt.Sprintf(t+" items", field, fe.Param())
		}
		return fmt.Sprintf(t, field, fe.Param())
	}
	return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
}
