package validation

import (
	"errors"
	"reflect"
	"strings"

	"milabs-booking/internal/apperr"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/google/uuid"
)

var validate *validator.Validate

var translator ut.Translator

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// report fields by their JSON names so clients can map errors to inputs
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	translator, _ = ut.New(en.New(), en.New()).GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)
}

// Check validates val and returns a validation *apperr.Error carrying every field failure.
func Check(val any) error {
	err := validate.Struct(val)
	if err == nil {
		return nil
	}

	var verrors validator.ValidationErrors
	if !errors.As(err, &verrors) {
		return apperr.Validation("%v", err)
	}

	fields := make(map[string]string, len(verrors))
	for _, fe := range verrors {
		key := fieldPath(fe.Namespace())
		if _, seen := fields[key]; !seen {
			fields[key] = fe.Translate(translator)
		}
	}
	return apperr.ValidationFields(fields)
}

// fieldPath drops the root struct name: "CreateOrderInput.items[0].testId" -> "items[0].testId".
func fieldPath(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func CheckID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.Validation("ID is not in its proper form")
	}
	return nil
}
