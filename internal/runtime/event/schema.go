package event

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// FieldType enumerates the JSON shapes a payload field may take.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldInteger   FieldType = "integer"
	FieldBoolean   FieldType = "boolean"
	FieldObject    FieldType = "object"
	FieldArray     FieldType = "array"
	FieldTimestamp FieldType = "timestamp"
)

// FieldRule describes one payload field.
type FieldRule struct {
	Name     string
	Type     FieldType
	Required bool
	// Enum restricts string fields to the listed values.
	Enum []string
	// Nullable accepts an explicit JSON null in place of a value.
	Nullable bool
}

// PayloadSchema lists the rules for one event type's payload.
type PayloadSchema struct {
	Fields []FieldRule
}

// Validate checks payload against the schema and returns one message per
// violation. Fields not mentioned by the schema are ignored.
func (s PayloadSchema) Validate(payload map[string]any) []string {
	var errs []string
	for _, rule := range s.Fields {
		value, present := payload[rule.Name]
		if !present {
			if rule.Required {
				errs = append(errs, fmt.Sprintf("payload.%s is required", rule.Name))
			}
			continue
		}
		if value == nil {
			if !rule.Nullable {
				errs = append(errs, fmt.Sprintf("payload.%s must not be null", rule.Name))
			}
			continue
		}
		if msg := rule.check(value); msg != "" {
			errs = append(errs, fmt.Sprintf("payload.%s %s", rule.Name, msg))
		}
	}
	return errs
}

func (r FieldRule) check(value any) string {
	switch r.Type {
	case FieldString:
		s, ok := value.(string)
		if !ok {
			return "must be a string"
		}
		if len(r.Enum) > 0 && !slices.Contains(r.Enum, s) {
			return fmt.Sprintf("must be one of [%s]", strings.Join(r.Enum, ", "))
		}
	case FieldNumber:
		if _, ok := value.(float64); !ok {
			return "must be a number"
		}
	case FieldInteger:
		f, ok := value.(float64)
		if !ok || f != math.Trunc(f) {
			return "must be an integer"
		}
	case FieldBoolean:
		if _, ok := value.(bool); !ok {
			return "must be a boolean"
		}
	case FieldObject:
		if _, ok := value.(map[string]any); !ok {
			return "must be an object"
		}
	case FieldArray:
		if _, ok := value.([]any); !ok {
			return "must be an array"
		}
	case FieldTimestamp:
		s, ok := value.(string)
		if !ok {
			return "must be an RFC3339 timestamp string"
		}
		if _, err := time.Parse(time.RFC3339Nano, s); err != nil {
			return "must be an RFC3339 timestamp string"
		}
	default:
		return fmt.Sprintf("has unsupported schema type %q", r.Type)
	}
	return ""
}
