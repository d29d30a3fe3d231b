package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateStruct(t *testing.T) {
	type request struct {
		From string `validate:"required,max=32"`
		Kind string `validate:"omitempty,oneof=text button list location"`
	}

	assert.NoError(t, ValidateStruct(request{From: "+60111", Kind: "text"}))

	err := ValidateStruct(request{Kind: "sticker"})
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "from is required")
		assert.Contains(t, err.Error(), "kind must be one of: text, button, list, location")
	}
}
