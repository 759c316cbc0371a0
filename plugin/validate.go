package plugin

import (
	"errors"
	"fmt"

	validatorV10 "github.com/go-playground/validator/v10"
)

var validator = validatorV10.New()

// ValidateManifest checks structural constraints declared in struct tags and
// returns one readable issue per failing field.
func ValidateManifest(m Manifest) []string {
	var issues []string
	if err := validator.Struct(m); err != nil {
		var fieldErrs validatorV10.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return []string{err.Error()}
		}
		for _, fe := range fieldErrs {
			issues = append(issues, fmt.Sprintf("%s %s", fe.Namespace(), validationMessage(fe)))
		}
	}
	return issues
}

func validationMessage(fe validatorV10.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters long", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed validation for tag '%s'", fe.Tag())
	}
}
