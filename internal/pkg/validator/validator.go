// Package validator wraps go-playground/validator behind a single Validate
// function with normalized error output: tag-driven struct validation, one
// formatted message per failing field, all joined under a sentinel error.
package validator

import (
	"errors"
	"fmt"
	"sync"

	gvalidator "github.com/go-playground/validator/v10"
)

// ErrValidationFailed is the root of every error chain returned on a
// validation failure, so callers can detect the class with errors.Is even
// when several fields failed at once.
var ErrValidationFailed = errors.New("struct validation failed")

// instance lazily constructs the shared validator. Required-struct
// handling is enabled so nested structs tagged required are not skipped
// when left as zero values.
var instance = sync.OnceValue(func() *gvalidator.Validate {
	return gvalidator.New(gvalidator.WithRequiredStructEnabled())
})

// Validate checks the given struct against its `validate` tags. It returns
// nil when every field passes; otherwise the result wraps
// ErrValidationFailed plus one message per failing field, e.g.:
//
//	'LogLevel': value 'verbose' does not meet the requirements for the 'oneof' validation
func Validate(v any) error {
	err := instance().Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrors gvalidator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return err
	}

	errs := make([]error, 0, len(fieldErrors)+1)
	errs = append(errs, ErrValidationFailed)
	for _, fieldErr := range fieldErrors {
		errs = append(errs, fmt.Errorf("'%s': value '%v' does not meet the requirements for the '%s' validation",
			fieldErr.Field(),
			fieldErr.Value(),
			fieldErr.Tag(),
		))
	}

	return errors.Join(errs...)
}
