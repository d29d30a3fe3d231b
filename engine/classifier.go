package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"wacampaign/models"
)

// Category groups API step failures by what the operator can do about them.
type Category string

const (
	CategoryDisabled    Category = "DISABLED"
	CategoryTemplate    Category = "TEMPLATE_ERROR"
	CategoryServiceDown Category = "SERVICE_DOWN"
	CategoryClientInput Category = "CLIENT_INPUT"
	CategoryUnknown     Category = "UNKNOWN"
)

var categoryMessages = map[Category]string{
	CategoryDisabled:    "This service is temporarily unavailable. Please try again later.",
	CategoryTemplate:    "Sorry, we couldn't prepare your result right now. Please try again later.",
	CategoryServiceDown: "Our service is currently unavailable. Please try again in a few minutes.",
	CategoryClientInput: "We couldn't find anything for your request. Please check your input and try again.",
	CategoryUnknown:     "Something went wrong while processing your request. Please try again later.",
}

// DefaultMessage returns the fixed user-facing message for a category.
func DefaultMessage(c Category) string {
	if msg, ok := categoryMessages[c]; ok {
		return msg
	}
	return categoryMessages[CategoryUnknown]
}

// ClassifyInput is everything known about a failed API step.
type ClassifyInput struct {
	Err           error
	HTTPStatus    int
	Disabled      bool
	TemplateError bool
	APIName       string
	Step          *models.CampaignStep
}

// Classification is the outcome of Classify.
type Classification struct {
	Category    Category
	UserMessage string
	LogLevel    logrus.Level
}

// Classify maps an API step failure to a category and the message the contact sees.
// Only CLIENT_INPUT honours the step's own error message.
func Classify(in ClassifyInput) Classification {
	status := in.HTTPStatus
	disabled := in.Disabled
	templateErr := in.TemplateError

	var de *models.DispatchError
	if errors.As(in.Err, &de) {
		switch de.Code {
		case models.DispatchCodeDisabled:
			disabled = true
		case models.DispatchCodeTemplate:
			templateErr = true
		case models.DispatchCodeTimeout:
			if status == 0 {
				status = 504
			}
		}
		if status == 0 {
			status = de.Status
		}
	}
	if status == 0 && errors.Is(in.Err, context.DeadlineExceeded) {
		status = 504
	}

	var c Category
	switch {
	case disabled:
		c = CategoryDisabled
	case templateErr:
		c = CategoryTemplate
	case status >= 500:
		c = CategoryServiceDown
	case status >= 400:
		c = CategoryClientInput
	default:
		c = CategoryUnknown
	}

	msg := DefaultMessage(c)
	if c == CategoryClientInput && in.Step != nil && strings.TrimSpace(in.Step.ErrorMessage) != "" {
		msg = in.Step.ErrorMessage
	}

	level := logrus.ErrorLevel
	if c == CategoryDisabled || c == CategoryTemplate || c == CategoryClientInput {
		level = logrus.WarnLevel
	}

	return Classification{Category: c, UserMessage: msg, LogLevel: level}
}
