// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	sidekickerrors "github.com/tombee/sidekick/pkg/errors"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// validatorInstance reports field names by their yaml keys.
func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks every section. The returned error joins one
// *errors.ValidationError per failing field.
func (c *Config) Validate() error {
	err := validatorInstance().Struct(c)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, &sidekickerrors.ValidationError{
			Field:   fieldPath(fe.Namespace()),
			Message: message(fe),
		})
	}
	return errors.Join(errs...)
}

// fieldPath turns "Config.daprd.Options.log_level" into "daprd.log_level".
func fieldPath(namespace string) string {
	_, path, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return strings.ReplaceAll(path, ".Options.", ".")
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "hostname_port":
		return fmt.Sprintf("%q is not a valid host:port", fe.Value())
	case "oneof":
		return fmt.Sprintf("%v must be one of [%s]", fe.Value(), fe.Param())
	case "min":
		return fmt.Sprintf("%v must be at least %s", fe.Value(), fe.Param())
	case "max":
		return fmt.Sprintf("%v must be at most %s", fe.Value(), fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
