package tool

import (
	"encoding/json"
	"testing"
)

func ptr[T any](v T) *T { return &v }

func TestValidator_ValidateInput(t *testing.T) {
	validator := NewValidator()

	tests := []struct {
		name    string
		schema  ToolSchema
		input   string
		wantErr bool
	}{
		{
			name: "valid string",
			schema: ToolSchema{
				Type:       "object",
				Properties: map[string]PropertyDef{"name": {Type: "string"}},
				Required:   []string{"name"},
			},
			input: `{"name": "test"}`,
		},
		{
			name: "wrong type - expected string got number",
			schema: ToolSchema{
				Type:       "object",
				Properties: map[string]PropertyDef{"name": {Type: "string"}},
			},
			input:   `{"name": 123}`,
			wantErr: true,
		},
		{
			name: "missing required field",
			schema: ToolSchema{
				Type:       "object",
				Properties: map[string]PropertyDef{"name": {Type: "string"}},
				Required:   []string{"name"},
			},
			input:   `{}`,
			wantErr: true,
		},
		{
			name: "enum mismatch",
			schema: ToolSchema{
				Type:       "object",
				Properties: map[string]PropertyDef{"unit": {Type: "string", Enum: []string{"c", "f"}}},
			},
			input:   `{"unit": "k"}`,
			wantErr: true,
		},
		{
			name: "integer rejects fraction",
			schema: ToolSchema{
				Type:       "object",
				Properties: map[string]PropertyDef{"n": {Type: "integer"}},
			},
			input:   `{"n": 1.5}`,
			wantErr: true,
		},
		{
			name: "number below minimum",
			schema: ToolSchema{
				Type:       "object",
				Properties: map[string]PropertyDef{"n": {Type: "number", Minimum: ptr(1.0)}},
			},
			input:   `{"n": 0}`,
			wantErr: true,
		},
		{
			name: "string too long",
			schema: ToolSchema{
				Type:       "object",
				Properties: map[string]PropertyDef{"s": {Type: "string", MaxLength: ptr(3)}},
			},
			input:   `{"s": "abcd"}`,
			wantErr: true,
		},
		{
			name: "array items checked",
			schema: ToolSchema{
				Type:       "object",
				Properties: map[string]PropertyDef{"tags": {Type: "array", Items: &PropertyDef{Type: "string"}}},
			},
			input:   `{"tags": ["a", 2]}`,
			wantErr: true,
		},
		{
			name: "nested object checked",
			schema: ToolSchema{
				Type: "object",
				Properties: map[string]PropertyDef{"opts": {
					Type:       "object",
					Properties: map[string]PropertyDef{"deep": {Type: "boolean"}},
				}},
			},
			input:   `{"opts": {"deep": "yes"}}`,
			wantErr: true,
		},
		{
			name: "null optional value allowed",
			schema: ToolSchema{
				Type:       "object",
				Properties: map[string]PropertyDef{"name": {Type: "string"}},
			},
			input: `{"name": null}`,
		},
		{
			name:    "invalid json",
			schema:  ToolSchema{Type: "object"},
			input:   `{`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateInput(tt.schema, json.RawMessage(tt.input))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInput() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
