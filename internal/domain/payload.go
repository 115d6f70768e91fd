package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"
)

// Type selects the handler that executes a job.
type Type string

const (
	TypeEmail              Type = "EMAIL"
	TypePush               Type = "PUSH"
	TypeSMS                Type = "SMS"
	TypeContentDigest      Type = "CONTENT_DIGEST"
	TypeSubscriptionExpiry Type = "SUBSCRIPTION_EXPIRY"
)

// Types lists every job type known to this build.
var Types = []Type{TypeEmail, TypePush, TypeSMS, TypeContentDigest, TypeSubscriptionExpiry}

func (t Type) Valid() bool {
	_, ok := payloadFactories[t]
	return ok
}

// Payload is the typed body of a job. Each variant belongs to exactly one Type.
type Payload interface {
	JobType() Type
	Validate() error
}

var payloadFactories = map[Type]func() Payload{
	TypeEmail:              func() Payload { return &EmailPayload{} },
	TypePush:               func() Payload { return &PushPayload{} },
	TypeSMS:                func() Payload { return &SMSPayload{} },
	TypeContentDigest:      func() Payload { return &ContentDigestPayload{} },
	TypeSubscriptionExpiry: func() Payload { return &SubscriptionExpiryPayload{} },
}

// ParsePayload decodes raw into the variant registered for t and validates it.
func ParsePayload(t Type, raw json.RawMessage) (Payload, error) {
	factory, ok := payloadFactories[t]
	if !ok {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown job type %q", t)}
	}
	p := factory()
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ValidationError{Field: "payload", Reason: "required"}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

type EmailPayload struct {
	To         string         `json:"to"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body,omitempty"`
	TemplateID string         `json:"template_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

func (*EmailPayload) JobType() Type { return TypeEmail }

func (p *EmailPayload) Validate() error {
	if _, err := mail.ParseAddress(p.To); err != nil {
		return &ValidationError{Field: "payload.to", Reason: "invalid email address"}
	}
	if p.TemplateID == "" && strings.TrimSpace(p.Subject) == "" {
		return &ValidationError{Field: "payload.subject", Reason: "subject or template_id required"}
	}
	return nil
}

type PushPayload struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body,omitempty"`
	Data   map[string]string `json:"data,omitempty"`
}

func (*PushPayload) JobType() Type { return TypePush }

func (p *PushPayload) Validate() error {
	if p.UserID == "" {
		return &ValidationError{Field: "payload.user_id", Reason: "required"}
	}
	if p.Title == "" {
		return &ValidationError{Field: "payload.title", Reason: "required"}
	}
	return nil
}

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// maxSMSLength is ten concatenated GSM-7 segments.
const maxSMSLength = 1530

type SMSPayload struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

func (*SMSPayload) JobType() Type { return TypeSMS }

func (p *SMSPayload) Validate() error {
	if !e164.MatchString(p.PhoneNumber) {
		return &ValidationError{Field: "payload.phone_number", Reason: "must be E.164 formatted"}
	}
	if p.Message == "" {
		return &ValidationError{Field: "payload.message", Reason: "required"}
	}
	if len(p.Message) > maxSMSLength {
		return &ValidationError{Field: "payload.message", Reason: fmt.Sprintf("longer than %d bytes", maxSMSLength)}
	}
	return nil
}

type DigestFrequency string

const (
	DigestDaily  DigestFrequency = "daily"
	DigestWeekly DigestFrequency = "weekly"
)

type ContentDigestPayload struct {
	UserID    string          `json:"user_id"`
	Frequency DigestFrequency `json:"frequency"`
	Since     *time.Time      `json:"since,omitempty"`
}

func (*ContentDigestPayload) JobType() Type { return TypeContentDigest }

func (p *ContentDigestPayload) Validate() error {
	if p.UserID == "" {
		return &ValidationError{Field: "payload.user_id", Reason: "required"}
	}
	switch p.Frequency {
	case DigestDaily, DigestWeekly:
	default:
		return &ValidationError{Field: "payload.frequency", Reason: "must be daily or weekly"}
	}
	return nil
}

// WindowStart is Since, or one period before now when Since is unset.
func (p *ContentDigestPayload) WindowStart(now time.Time) time.Time {
	if p.Since != nil {
		return *p.Since
	}
	if p.Frequency == DigestWeekly {
		return now.AddDate(0, 0, -7)
	}
	return now.AddDate(0, 0, -1)
}

type SubscriptionExpiryPayload struct {
	SubscriptionID string    `json:"subscription_id"`
	UserID         string    `json:"user_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (*SubscriptionExpiryPayload) JobType() Type { return TypeSubscriptionExpiry }

func (p *SubscriptionExpiryPayload) Validate() error {
	if p.SubscriptionID == "" {
		return &ValidationError{Field: "payload.subscription_id", Reason: "required"}
	}
	if p.UserID == "" {
		return &ValidationError{Field: "payload.user_id", Reason: "required"}
	}
	if p.ExpiresAt.IsZero() {
		return &ValidationError{Field: "payload.expires_at", Reason: "required"}
	}
	return nil
}
