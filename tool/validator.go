package tool

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Validator checks tool input against a ToolSchema before execution.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateInput validates input against a tool's schema
func (v *Validator) ValidateInput(schema ToolSchema, input json.RawMessage) error {
	if schema.Type != "object" {
		return fmt.Errorf("schema type must be 'object', got '%s'", schema.Type)
	}

	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return fmt.Errorf("invalid JSON input: %w", err)
	}

	for _, name := range schema.Required {
		if _, ok := fields[name]; !ok {
			return fmt.Errorf("missing required field: %s", name)
		}
	}

	return v.checkFields("", schema.Properties, fields)
}

func (v *Validator) checkFields(prefix string, props map[string]PropertyDef, fields map[string]any) error {
	for name, def := range props {
		value, ok := fields[name]
		if !ok || value == nil {
			continue
		}
		if err := v.check(prefix+name, def, value); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) check(name string, def PropertyDef, value any) error {
	switch def.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("field '%s': expected string, got %T", name, value)
		}
		if len(def.Enum) > 0 && !slices.Contains(def.Enum, s) {
			return fmt.Errorf("field '%s': value '%s' not in allowed values %v", name, s, def.Enum)
		}
		if def.MinLength != nil && len(s) < *def.MinLength {
			return fmt.Errorf("field '%s': string length %d is less than minimum %d", name, len(s), *def.MinLength)
		}
		if def.MaxLength != nil && len(s) > *def.MaxLength {
			return fmt.Errorf("field '%s': string length %d exceeds maximum %d", name, len(s), *def.MaxLength)
		}

	case "number", "integer":
		n, ok := value.(float64)
		if !ok {
			return fmt.Errorf("field '%s': expected %s, got %T", name, def.Type, value)
		}
		if def.Type == "integer" && n != float64(int64(n)) {
			return fmt.Errorf("field '%s': expected integer, got float %v", name, n)
		}
		if def.Minimum != nil && n < *def.Minimum {
			return fmt.Errorf("field '%s': value %v is less than minimum %v", name, n, *def.Minimum)
		}
		if def.Maximum != nil && n > *def.Maximum {
			return fmt.Errorf("field '%s': value %v exceeds maximum %v", name, n, *def.Maximum)
		}

	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("field '%s': expected boolean, got %T", name, value)
		}

	case "array":
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("field '%s': expected array, got %T", name, value)
		}
		if def.Items != nil {
			for i, item := range items {
				if item == nil {
					continue
				}
				if err := v.check(fmt.Sprintf("%s[%d]", name, i), *def.Items, item); err != nil {
					return err
				}
			}
		}

	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("field '%s': expected object, got %T", name, value)
		}
		return v.checkFields(name+".", def.Properties, obj)
	}

	return nil
}
