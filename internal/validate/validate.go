// Package validate wraps go-playground/validator with the tags used across
// surmed and converts failures into errs.ValidationError.
package validate

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/davidahmann/surmed/internal/crypto"
	"github.com/davidahmann/surmed/internal/errs"
	"github.com/davidahmann/surmed/pkg/types"
)

var v *validator.Validate

func init() {
	v = validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = v.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(types.DateLayout, fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("digest", func(fl validator.FieldLevel) bool {
		_, err := crypto.DecodeDigest(fl.Field().String())
		return err == nil
	})
}

// Struct validates s and returns the first failure as a *errs.ValidationError.
func Struct(s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &errs.ValidationError{Msg: err.Error()}
	}
	fe := fieldErrs[0]
	return &errs.ValidationError{Field: fieldPath(fe), Msg: describe(fe)}
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "notblank":
		return "is required"
	case "gte":
		return "must be >= " + fe.Param()
	case "gt":
		return "must be > " + fe.Param()
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "isodate":
		return fmt.Sprintf("must be a %s date, got %q", types.DateLayout, fmt.Sprint(fe.Value()))
	case "digest":
		return "must be a sha256:<hex> digest"
	default:
		return "failed " + fe.Tag()
	}
}
