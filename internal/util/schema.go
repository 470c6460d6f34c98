package util

import (
	"fmt"
	"reflect"
	"strings"
)

// ValidationError represents parameter validation errors with detailed information.
type ValidationError struct {
	Field   string `json:"field"`   // Field that failed validation
	Value   any    `json:"value"`   // Value that was provided
	Message string `json:"message"` // Human-readable error message
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Field describes one exported struct field in JSON terms.
type Field struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// StructFields derives field descriptions from a Go struct using reflection.
// JSON tags rename fields, `json:"-"` skips them, and fields tagged omitempty
// or of pointer type are optional.
func StructFields(structType any) []Field {
	t := reflect.TypeOf(structType)
	if t == nil {
		return nil
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}

	fields := make([]Field, 0, t.NumField())

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		name := field.Name
		if jsonTag != "" {
			if parts := strings.Split(jsonTag, ","); parts[0] != "" {
				name = parts[0]
			}
		}

		fields = append(fields, Field{
			Name:        name,
			Type:        JSONType(field.Type),
			Description: field.Tag.Get("description"),
			Required:    !hasOmitEmpty(jsonTag) && field.Type.Kind() != reflect.Ptr,
		})
	}

	return fields
}

// CheckType returns a ValidationError if value does not match expectedType.
func CheckType(field string, value any, expectedType string) error {
	if IsValidType(value, expectedType) {
		return nil
	}

	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("expected type %s, got %T", expectedType, value),
	}
}

// JSONType returns the JSON schema type for a given Go type.
func JSONType(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Ptr:
		return JSONType(t.Elem())
	default:
		return "string"
	}
}

// hasOmitEmpty checks if a JSON tag has the "omitempty" option.
func hasOmitEmpty(tag string) bool {
	parts := strings.Split(tag, ",")
	for _, part := range parts[1:] {
		if strings.TrimSpace(part) == "omitempty" {
			return true
		}
	}
	return false
}

// IsValidType checks if a value is valid according to the expected JSON schema type.
func IsValidType(value any, expectedType string) bool {
	if value == nil {
		return true
	}

	switch expectedType {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64: // JSON unmarshaling produces float64 for numbers
			return v == float64(int64(v))
		}
		return false
	case "number":
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
			float32, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		if _, ok := value.([]any); ok {
			return true
		}
		k := reflect.TypeOf(value).Kind()
		return k == reflect.Slice || k == reflect.Array
	case "object":
		if _, ok := value.(map[string]any); ok {
			return true
		}
		k := reflect.TypeOf(value).Kind()
		return k == reflect.Map || k == reflect.Struct
	default:
		return true
	}
}
