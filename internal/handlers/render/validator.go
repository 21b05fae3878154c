package render

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	rules "github.com/nkiryanov/gopherauth/internal/service/validate"
)

func configureValidator(v *validator.Validate) {
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return rules.Username(fl.Field().String()) == nil
	})
	_ = v.RegisterValidation("password", func(fl validator.FieldLevel) bool {
		return rules.Password(fl.Field().String()) == nil
	})
	v.RegisterTagNameFunc(useJSONTagNames)
}

// Report fields by 'json' tag name instead of struct field name
func useJSONTagNames(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	// skip if tag key says it should be ignored
	if name == "-" {
		return ""
	}
	return name
}
