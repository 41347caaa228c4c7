package http

import (
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var (
	validate   *validator.Validate
	translator ut.Translator

	notBlankTag = "notblank"
)

func init() {
	validate = validator.New()

	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ = uni.GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Use JSON tag names for errors instead of Go struct names.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation(notBlankTag, func(fl validator.FieldLevel) bool {
		if str, ok := fl.Field().Interface().(string); ok {
			return strings.TrimSpace(str) != ""
		}
		return false
	})
	_ = validate.RegisterTranslation(notBlankTag, translator,
		func(ut.Translator) error { return nil },
		func(ut.Translator, validator.FieldError) string { return "this field cannot be blank" })
}

// fieldErrors flattens validation errors to json-field -> message.
func fieldErrors(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		key := strings.SplitN(fe.Namespace(), ".", 2)
		field := fe.Field()
		if len(key) == 2 {
			field = key[1]
		}
		out[field] = fe.Translate(translator)
	}
	return out
}
