package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"api-manager/internal/common/errors"
)

// BatchRequestSchema describes an inbound batch trigger.
var BatchRequestSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"operation"},
	"properties": map[string]interface{}{
		"operation": map[string]interface{}{"type": "string", "minLength": 1},
		"date": map[string]interface{}{
			"type":    "string",
			"pattern": `^\d{4}-\d{2}-\d{2}$`,
		},
		"timeblock": map[string]interface{}{
			"type":    "string",
			"pattern": `^([01]\d|2[0-3])-(00|30)$`,
		},
		"device_ids": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string", "minLength": 1},
		},
	},
}

// TaskStatusSchema describes the body returned by an async task status probe.
var TaskStatusSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"status"},
	"properties": map[string]interface{}{
		"task_id":  map[string]interface{}{"type": "string"},
		"status":   map[string]interface{}{"type": "string", "minLength": 1},
		"progress": map[string]interface{}{"type": "number", "minimum": 0, "maximum": 100},
		"message":  map[string]interface{}{"type": "string"},
	},
}

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ValidateDocument checks data against schema. Errors are sorted by field.
func ValidateDocument(schema map[string]interface{}, data interface{}) (*ValidationResult, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(data),
	)
	if err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	out := &ValidationResult{Valid: result.Valid()}
	for _, e := range result.Errors() {
		out.Errors = append(out.Errors, ValidationError{
			Field:   e.Field(),
			Message: e.Description(),
			Code:    strings.ToUpper(e.Type()),
		})
	}
	sort.SliceStable(out.Errors, func(i, j int) bool {
		return out.Errors[i].Field < out.Errors[j].Field
	})
	return out, nil
}

// Validate is ValidateDocument folded into a single VALIDATION_ERROR.
func Validate(schema map[string]interface{}, data interface{}) error {
	result, err := ValidateDocument(schema, data)
	if err != nil {
		return errors.NewValidationError(err.Error())
	}
	if result.Valid {
		return nil
	}

	parts := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return errors.NewValidationError(strings.Join(parts, "; "))
}
