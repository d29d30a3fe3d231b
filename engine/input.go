package engine

import (
	"encoding/json"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/go-playground/validator/v10"

	"wacampaign/models"
)

var validate = validator.New()

// ValidateInput checks an answer to an input step. It returns the value to
// store in the audit log and whether the answer is acceptable.
func ValidateInput(expected models.ExpectedInput, kind InputKind, text string, payload map[string]interface{}) (string, bool) {
	text = strings.TrimSpace(text)

	switch expected {
	case models.ExpectNumber:
		return text, validate.Var(text, "required,numeric") == nil

	case models.ExpectEmail:
		return text, isEmail(text)

	case models.ExpectLocation:
		loc, ok := ExtractLocation(payload)
		if !ok {
			return text, false
		}
		if err := validate.Struct(loc); err != nil {
			return text, false
		}
		raw, err := json.Marshal(loc)
		if err != nil {
			return text, false
		}
		return string(raw), true

	case models.ExpectText:
		if text == "" {
			return text, false
		}
		// a bare number here is almost always a menu digit typed at the wrong prompt
		return text, validate.Var(text, "numeric") != nil

	case models.ExpectChoice:
		if text == "" {
			text = ReplyID(payload)
		}
		return text, text != ""
	}

	// none: anything goes, including an empty media message
	if text == "" && kind != KindText {
		text = ReplyID(payload)
	}
	return text, true
}

// isEmail accepts local@domain.tld.
func isEmail(s string) bool {
	if err := checkmail.ValidateFormat(s); err != nil {
		return false
	}
	at := strings.LastIndex(s, "@")
	domain := s[at+1:]
	dot := strings.LastIndex(domain, ".")
	if dot <= 0 || dot == len(domain)-1 {
		return false
	}
	tld := domain[dot+1:]
	return len(tld) >= 2 && validate.Var(tld, "alpha") == nil
}

// invalidInputHint is the re-prompt used when a step has no error message of its own.
func invalidInputHint(expected models.ExpectedInput) string {
	switch expected {
	case models.ExpectNumber:
		return msgInvalidNumber
	case models.ExpectEmail:
		return msgInvalidEmail
	case models.ExpectLocation:
		return msgInvalidLocation
	case models.ExpectText:
		return msgInvalidText
	}
	return msgInvalidGeneric
}
