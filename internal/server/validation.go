package server

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationError carries a message per invalid request field.
type ValidationError struct {
	Message string            `json:"error"`
	Fields  map[string]string `json:"fields"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// validateStruct checks s against its validate tags.
func validateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err
	}
	fields := make(map[string]string, len(errs))
	for _, fe := range errs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			fields[field] = fmt.Sprintf("%s is required", field)
		case "url":
			fields[field] = fmt.Sprintf("%s must be a valid URL", field)
		case "max":
			fields[field] = fmt.Sprintf("%s must be at most %s", field, fe.Param())
		case "gte":
			fields[field] = fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
		case "lte":
			fields[field] = fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
		default:
			fields[field] = fmt.Sprintf("%s failed on '%s'", field, fe.Tag())
		}
	}
	return &ValidationError{Message: "validation failed", Fields: fields}
}
