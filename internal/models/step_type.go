package models

import (
	"database/sql/driver"
	"fmt"
)

// StepType is the kind of offer a funnel step presents
type StepType string

// Step types
const (
	StepTypeUpsell       StepType = "upsell"
	StepTypeDownsell     StepType = "downsell"
	StepTypeOneTimeOffer StepType = "one_time_offer"
	StepTypeOrderBump    StepType = "order_bump"
)

// StepCopy is the fallback presentation text for a step type
type StepCopy struct {
	CTAText     string
	DeclineText string
}

var stepCopyDefaults = map[StepType]StepCopy{
	StepTypeUpsell:       {CTAText: "Yes, upgrade my order", DeclineText: "No thanks, I'll pass"},
	StepTypeDownsell:     {CTAText: "Yes, I'll take this deal", DeclineText: "No thanks"},
	StepTypeOneTimeOffer: {CTAText: "Claim this one-time offer", DeclineText: "Skip this offer"},
	StepTypeOrderBump:    {CTAText: "Add to my order", DeclineText: "No thanks"},
}

// ParseStepType converts a raw string into a StepType
func ParseStepType(s string) (StepType, error) {
	t := StepType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown step type %q", s)
	}
	return t, nil
}

// Valid reports whether t is a known step type
func (t StepType) Valid() bool {
	_, ok := stepCopyDefaults[t]
	return ok
}

// DefaultCopy returns the presentation defaults for t
func (t StepType) DefaultCopy() StepCopy {
	return stepCopyDefaults[t]
}

// Scan implements sql.Scanner
func (t *StepType) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("cannot scan %T into StepType", src)
	}
	parsed, err := ParseStepType(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value implements driver.Valuer
func (t StepType) Value() (driver.Value, error) {
	return string(t), nil
}

// CTA returns the step's CTA text, falling back to the type default
func (s *FunnelStep) CTA() string {
	if s.CTAText != "" {
		return s.CTAText
	}
	return s.StepType.DefaultCopy().CTAText
}

// Decline returns the step's decline text, falling back to the type default
func (s *FunnelStep) Decline() string {
	if s.DeclineText != "" {
		return s.DeclineText
	}
	return s.StepType.DefaultCopy().DeclineText
}
