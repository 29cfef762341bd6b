package account

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/welldanyogia/jobportal-auth/internal/password"
)

var (
	personNameRegex = regexp.MustCompile(`^[a-zA-Z\s'-]{1,100}$`)
	nricRegex       = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
)

// Validator instance for request validation
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("personname", func(fl validator.FieldLevel) bool {
		return personNameRegex.MatchString(fl.Field().String())
	})
	_ = validate.RegisterValidation("pwbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= password.MaxBytes
	})
	_ = validate.RegisterValidation("nric", func(fl validator.FieldLevel) bool {
		return nricRegex.MatchString(fl.Field().String())
	})
}

// validationFields converts validator errors into per-field messages keyed
// by JSON name
func validationFields(err error) map[string][]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string][]string{"request": {"Request is invalid"}}
	}

	fields := make(map[string][]string)
	for _, fe := range verrs {
		fields[fe.Field()] = append(fields[fe.Field()], fieldMessage(fe))
	}
	return fields
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "pwbytes":
		return fmt.Sprintf("%s must be at most %d bytes long", fe.Field(), password.MaxBytes)
	case "email":
		return "Email address is invalid"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must not exceed %s characters", fe.Field(), fe.Param())
	case "eqfield":
		return "Password and confirmation password do not match"
	case "personname":
		return fmt.Sprintf("%s contains invalid characters", fe.Field())
	case "nric":
		return "NRIC contains invalid characters"
	case "datetime":
		return fmt.Sprintf("%s must be a date in YYYY-MM-DD format", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
