package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// EnvLoader overrides configuration fields from environment variables.
// The variable of a field is the prefix followed by the upper-cased yaml
// path, e.g. DAGMINER_MINER_GRID_SIZE.
type EnvLoader struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvLoader creates a new environment loader
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix: prefix,
		lookup: os.LookupEnv,
	}
}

// Load loads configuration from environment variables
func (el *EnvLoader) Load(config *Config) error {
	return el.loadStruct(reflect.ValueOf(config).Elem(), el.prefix)
}

// loadStruct recursively loads a struct from environment variables
func (el *EnvLoader) loadStruct(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// Skip unexported fields
		if !field.CanSet() {
			continue
		}

		fieldName := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if fieldName == "-" {
			continue
		}
		if fieldName == "" {
			fieldName = fieldType.Name
		}
		envName := el.buildEnvName(prefix, fieldName)

		var err error
		switch field.Kind() {
		case reflect.Struct:
			err = el.loadStruct(field, envName)
		case reflect.Slice:
			err = el.loadSlice(field, envName)
		default:
			err = el.loadField(field, envName)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// loadField loads a single field from environment variable
func (el *EnvLoader) loadField(field reflect.Value, envName string) error {
	value, ok := el.lookup(envName)
	if !ok || value == "" {
		return nil
	}
	return setScalar(field, value, envName)
}

func setScalar(field reflect.Value, value, envName string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == durationType {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration for %s: %w", envName, err)
			}
			field.SetInt(int64(duration))
			return nil
		}
		intVal, err := strconv.ParseInt(value, 0, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid integer for %s: %w", envName, err)
		}
		field.SetInt(intVal)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		uintVal, err := strconv.ParseUint(value, 0, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid unsigned integer for %s: %w", envName, err)
		}
		field.SetUint(uintVal)

	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("invalid float for %s: %w", envName, err)
		}
		field.SetFloat(floatVal)

	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean for %s: %w", envName, err)
		}
		field.SetBool(boolVal)

	default:
		return fmt.Errorf("unsupported field type %s for %s", field.Kind(), envName)
	}

	return nil
}

// loadSlice loads a comma separated slice from environment variable
func (el *EnvLoader) loadSlice(field reflect.Value, envName string) error {
	value, ok := el.lookup(envName)
	if !ok || value == "" {
		return nil
	}

	parts := strings.Split(value, ",")
	slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
	for i, part := range parts {
		if err := setScalar(slice.Index(i), strings.TrimSpace(part), envName); err != nil {
			return err
		}
	}

	field.Set(slice)
	return nil
}

// buildEnvName builds environment variable name from prefix and field name
func (el *EnvLoader) buildEnvName(prefix, fieldName string) string {
	envName := strings.ToUpper(fieldName)
	envName = strings.ReplaceAll(envName, "-", "_")
	envName = strings.ReplaceAll(envName, ".", "_")

	if prefix != "" {
		return prefix + "_" + envName
	}
	return envName
}
