package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type intakeForm struct {
	Title    string `validate:"required,max=10"`
	Severity string `validate:"required,oneof=critical high medium low"`
	Source   string `validate:"omitempty,min=2"`
	EventID  string `validate:"omitempty,uuid"`
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name       string
		input      intakeForm
		wantFields map[string]string
	}{
		{
			name:  "valid",
			input: intakeForm{Title: "rash", Severity: "high"},
		},
		{
			name:  "missing required",
			input: intakeForm{},
			wantFields: map[string]string{
				"Title":    "Title is required",
				"Severity": "Severity is required",
			},
		},
		{
			name:  "bounds and enums",
			input: intakeForm{Title: "anaphylaxis!", Severity: "urgent", Source: "x", EventID: "nope"},
			wantFields: map[string]string{
				"Title":    "Title must be at most 10",
				"Severity": "Severity must be one of: critical high medium low",
				"Source":   "Source must be at least 2",
				"EventID":  "EventID must be a valid UUID",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(tt.input)
			if tt.wantFields == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Equal(t, "Validation failed", err.Error())
			assert.Equal(t, tt.wantFields, GetValidationFields(err))
		})
	}
}

func TestValidateStruct_NonStruct(t *testing.T) {
	err := ValidateStruct("not a struct")
	require.Error(t, err)
	assert.False(t, IsValidationError(err))
}

func TestGetValidationFields_OtherError(t *testing.T) {
	assert.Nil(t, GetValidationFields(errors.New("boom")))
	assert.False(t, IsValidationError(nil))
}

func TestParseUUID(t *testing.T) {
	id, err := ParseUUID("6f1c2a52-3b0e-4c47-9d55-8d8a3f0f6a10")
	require.NoError(t, err)
	assert.Equal(t, "6f1c2a52-3b0e-4c47-9d55-8d8a3f0f6a10", id.String())

	_, err = ParseUUID("evt-1")
	assert.EqualError(t, err, "invalid UUID format: evt-1")
}
