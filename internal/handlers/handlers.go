// Package handlers holds the default handler set for the known job types.
// Delivery to providers lives outside this subsystem; these handlers check
// the payload, log the delivery and succeed, so a deployment can run end to
// end before real integrations are wired in.
package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/worker"
)

// Registrar is satisfied by *worker.Worker.
type Registrar interface {
	Register(t domain.Type, h worker.Handler) error
}

type sink struct {
	log *zap.Logger
	now func() time.Time
}

// RegisterDefaults installs a handler for every type in domain.Types.
func RegisterDefaults(r Registrar, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	s := &sink{log: log, now: time.Now}
	handlers := map[domain.Type]worker.Handler{
		domain.TypeEmail:              worker.HandlePayload(s.email),
		domain.TypePush:               worker.HandlePayload(s.push),
		domain.TypeSMS:                worker.HandlePayload(s.sms),
		domain.TypeContentDigest:      worker.HandlePayload(s.digest),
		domain.TypeSubscriptionExpiry: worker.HandlePayload(s.expiry),
	}
	for _, t := range domain.Types {
		if err := r.Register(t, handlers[t]); err != nil {
			return err
		}
	}
	return nil
}

func (s *sink) email(_ context.Context, p *domain.EmailPayload, job *domain.Job) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.log.Info("email delivered",
		zap.String("job_id", job.JobID),
		zap.String("to", p.To),
		zap.String("subject", p.Subject),
		zap.String("template_id", p.TemplateID))
	return nil
}

func (s *sink) push(_ context.Context, p *domain.PushPayload, job *domain.Job) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.log.Info("push delivered", zap.String("job_id", job.JobID), zap.String("user_id", p.UserID), zap.String("title", p.Title))
	return nil
}

func (s *sink) sms(_ context.Context, p *domain.SMSPayload, job *domain.Job) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.log.Info("sms delivered", zap.String("job_id", job.JobID), zap.String("phone_number", p.PhoneNumber), zap.Int("length", len(p.Message)))
	return nil
}

func (s *sink) digest(_ context.Context, p *domain.ContentDigestPayload, job *domain.Job) error {
	if err := p.Validate(); err != nil {
		return err
	}
	since := p.WindowStart(s.now())
	s.log.Info("content digest built",
		zap.String("job_id", job.JobID),
		zap.String("user_id", p.UserID),
		zap.String("frequency", string(p.Frequency)),
		zap.Time("since", since))
	return nil
}

func (s *sink) expiry(_ context.Context, p *domain.SubscriptionExpiryPayload, job *domain.Job) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.log.Info("subscription expired",
		zap.String("job_id", job.JobID),
		zap.String("subscription_id", p.SubscriptionID),
		zap.String("user_id", p.UserID),
		zap.Time("expires_at", p.ExpiresAt),
		zap.Bool("early", s.now().Before(p.ExpiresAt)))
	return nil
}
