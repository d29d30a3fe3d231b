package engine

import (
	"errors"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// ErrMissingSender is returned by Handle for events without a sender address.
var ErrMissingSender = errors.New("inbound event has no sender address")

// ConfigError is a campaign script defect such as a step with no reachable
// next step. Handle converts it into an apology and a cancelled session.
type ConfigError struct {
	CampaignID *uint
	StepID     uint
	Reason     string
}

func (e *ConfigError) Error() string {
	if e.CampaignID != nil {
		return fmt.Sprintf("campaign %d step %d: %s", *e.CampaignID, e.StepID, e.Reason)
	}
	return fmt.Sprintf("step %d: %s", e.StepID, e.Reason)
}

// IsConfigError reports whether err is or wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

func configErrorf(campaignID *uint, stepID uint, format string, args ...interface{}) *ConfigError {
	return &ConfigError{CampaignID: campaignID, StepID: stepID, Reason: fmt.Sprintf(format, args...)}
}

// reportConfigError logs a script defect and sends it to Sentry.
func (e *Engine) reportConfigError(err *ConfigError, fields logrus.Fields) {
	e.log.WithFields(fields).WithError(err).Error("Campaign configuration error")

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("error_type", "campaign_config")
		for k, v := range fields {
			scope.SetExtra(k, v)
		}
		sentry.CaptureException(err)
	})
}

func idOrNil(id *uint) interface{} {
	if id == nil {
		return nil
	}
	return *id
}
