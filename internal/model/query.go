package model

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

type PractitionerType string

const (
	PractitionerDoctor    PractitionerType = "doctor"
	PractitionerAssistant PractitionerType = "assistant"
)

func ParsePractitionerType(s string) (PractitionerType, error) {
	switch PractitionerType(strings.ToLower(strings.TrimSpace(s))) {
	case "", PractitionerDoctor:
		return PractitionerDoctor, nil
	case PractitionerAssistant:
		return PractitionerAssistant, nil
	default:
		return "", fmt.Errorf("unknown practitioner type %q", s)
	}
}

// ViewQuery selects the records a settlement view works on.
type ViewQuery struct {
	SiteID           string           `json:"site" validate:"required"`
	Practitioner     string           `json:"practitioner" validate:"required"`
	PractitionerType PractitionerType `json:"type" validate:"required,oneof=doctor assistant"`
	From             Date             `json:"from"`
	To               Date             `json:"to"`
	Patient          string           `json:"patient,omitempty"`
	Service          string           `json:"service,omitempty"`
}

var validate = validator.New()

func (q ViewQuery) Validate() error {
	if err := validate.Struct(q); err != nil {
		return err
	}
	if q.From.IsZero() || q.To.IsZero() {
		return fmt.Errorf("date range is required")
	}
	if q.From.After(q.To.Time) {
		return fmt.Errorf("from date %s is after to date %s", q.From, q.To)
	}
	return nil
}

// Key identifies the query for per-session state.
func (q ViewQuery) Key() string {
	return strings.Join([]string{
		q.SiteID, string(q.PractitionerType), q.Practitioner,
		q.From.String(), q.To.String(), q.Patient, q.Service,
	}, "|")
}

// Matches applies the practitioner, date range and optional patient/service filters.
func (q ViewQuery) Matches(r Record) bool {
	if r.PractitionerName != q.Practitioner {
		return false
	}
	if !r.Date.Between(q.From, q.To) {
		return false
	}
	if q.Patient != "" && r.PatientName != q.Patient {
		return false
	}
	if q.Service != "" && r.Service != q.Service {
		return false
	}
	return true
}

// Credentials carry the caller's upstream bearer token for one request.
type Credentials struct {
	Token string
}

func (c Credentials) Authorization() string {
	if c.Token == "" {
		return ""
	}
	return "Bearer " + c.Token
}

// ReferenceData backs the filter selectors of the settlement view.
type ReferenceData struct {
	Practitioners  []string      `json:"practitioners"`
	Services       []ServiceItem `json:"services"`
	PaymentMethods []string      `json:"payment_methods"`
}
