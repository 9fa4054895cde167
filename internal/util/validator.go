package util

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	multierr "github.com/hashicorp/go-multierror"
)

// Validator collects validation failures for configuration values. Error is
// nil iff every check passed.
type Validator struct {
	Error error
}

func (v *Validator) MustNotBeEmpty(key string, value interface{}) bool {
	if value == nil {
		v.Error = multierr.Append(v.Error, fmt.Errorf("%s must not be nil or empty", key))
		return false
	}
	cv := reflect.ValueOf(value)
	switch cv.Kind() {
	case reflect.String:
		if strings.TrimSpace(cv.String()) == "" {
			v.Error = multierr.Append(v.Error, fmt.Errorf("%s must not be empty", key))
			return false
		}
	case reflect.Slice:
		if cv.Len() == 0 {
			v.Error = multierr.Append(v.Error, fmt.Errorf("%s must not be empty", key))
			return false
		}
	case reflect.Map:
		if cv.Len() == 0 {
			v.Error = multierr.Append(v.Error, fmt.Errorf("%s must not be empty", key))
			return false
		}
	}
	return true
}

func (v *Validator) MustNotBeNil(key string, value interface{}) bool {
	if value == nil || reflect.ValueOf(value).IsNil() {
		v.Error = multierr.Append(v.Error, fmt.Errorf("%s must not be nil", key))
		return false
	}
	return true
}

func (v *Validator) MustBePositive(key string, value time.Duration) bool {
	if value <= 0 {
		v.Error = multierr.Append(v.Error, fmt.Errorf("%s must be greater than zero", key))
		return false
	}
	return true
}

func (v *Validator) MustBeURL(key, value string) bool {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		v.Error = multierr.Append(v.Error, fmt.Errorf("%s must be an absolute URL, got %q", key, value))
		return false
	}
	return true
}
