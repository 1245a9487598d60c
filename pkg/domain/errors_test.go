package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		message  string
	}{
		{
			name:     "no properties",
			err:      &MissingPropertyError{Key: "ua", ElementKey: "device", Reason: ReasonNoProperties},
			sentinel: ErrPropertyMissing,
			message:  "the element has no properties",
		},
		{
			name:     "not populated with siblings",
			err:      &MissingPropertyError{Key: "ua", ElementKey: "device", Reason: ReasonNotPopulated, Available: []string{"os", "vendor"}},
			sentinel: ErrPropertyMissing,
			message:  "sibling properties are: os, vendor",
		},
		{
			name:     "not populated alone",
			err:      &MissingPropertyError{Key: "ua", ElementKey: "device", Reason: ReasonNotPopulated},
			sentinel: ErrPropertyMissing,
			message:  "no other properties are available",
		},
		{
			name:     "excluded",
			err:      &PropertyExcludedError{Key: "secret", ElementKey: "device"},
			sentinel: ErrPropertyExcluded,
			message:  "restricted property list",
		},
		{
			name:     "no element data",
			err:      &NoElementDataError{Key: "geo", Available: []string{"device"}},
			sentinel: ErrNoElementData,
			message:  "[device]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("lookup: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.ErrorContains(t, wrapped, tt.message)
		})
	}

	var missing *MissingPropertyError
	assert.True(t, errors.As(fmt.Errorf("x: %w", tests[0].err), &missing))
	assert.Equal(t, ReasonNoProperties, missing.Reason)
}
