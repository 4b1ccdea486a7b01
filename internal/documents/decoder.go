package documents

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

const fieldTag = "document"

var (
	validatorOnce     sync.Once
	documentValidator *validator.Validate
)

func sharedValidator() *validator.Validate {
	validatorOnce.Do(func() {
		documentValidator = validator.New(validator.WithRequiredStructEnabled())
		documentValidator.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get(fieldTag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return documentValidator
}

// Decode maps doc onto target (a pointer to a wire struct tagged with `document`)
// and enforces its `validate` rules. Required fields are expected to be pointers so
// that zero values such as "" or false still count as present.
func Decode(doc Document, target any) error {
	if doc == nil {
		return &DecodeError{Err: ErrNilDocument}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    fieldTag,
		Result:     target,
		DecodeHook: integralNumberHook,
	})
	if err != nil {
		return fmt.Errorf("documents: build decoder: %w", err)
	}
	if err := decoder.Decode(map[string]any(doc)); err != nil {
		return InvalidField("", err)
	}
	if err := sharedValidator().Struct(target); err != nil {
		return translateValidation(err)
	}
	return nil
}

// CheckField applies a single validate rule to value on behalf of field.
func CheckField(field string, value any, rule string) error {
	if err := sharedValidator().Var(value, rule); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			return InvalidField(field, fmt.Errorf("failed %q rule", validationErrors[0].Tag()))
		}
		return InvalidField(field, err)
	}
	return nil
}

func translateValidation(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) || len(validationErrors) == 0 {
		return InvalidField("", err)
	}
	first := validationErrors[0]
	field := first.Namespace()
	if index := strings.Index(field, "."); index >= 0 {
		field = field[index+1:]
	}
	if first.Tag() == "required" {
		return MissingField(field)
	}
	return InvalidField(field, fmt.Errorf("failed %q rule", first.Tag()))
}

// integralNumberHook rejects fractional values for integer targets; mapstructure
// would otherwise truncate them.
func integralNumberHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
	default:
		return data, nil
	}
	switch value := data.(type) {
	case float64:
		if value != math.Trunc(value) || math.IsInf(value, 0) {
			return nil, fmt.Errorf("expected integer, got %v", value)
		}
		return int64(value), nil
	case float32:
		if float64(value) != math.Trunc(float64(value)) {
			return nil, fmt.Errorf("expected integer, got %v", value)
		}
		return int64(value), nil
	case json.Number:
		parsed, err := value.Int64()
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %s", value.String())
		}
		return parsed, nil
	}
	return data, nil
}
